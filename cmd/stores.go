package main

import (
	"context"

	"github.com/sirupsen/logrus"

	"gitlab.diskarte.net/engineering/redis-mirror/internal/config"
	"gitlab.diskarte.net/engineering/redis-mirror/internal/redis"
	"gitlab.diskarte.net/engineering/redis-mirror/logfield"
)

func parseConn(uri string, cfg *config.Config) (redis.Conn, error) {
	c, err := redis.ParseURI(uri)
	if err != nil {
		return c, err
	}
	c.Timeout = cfg.Timeout
	return c, nil
}

// databases returns the databases to work on: the pinned one, or every
// populated database of c when the address named none.
func databases(ctx context.Context, c redis.Conn) ([]int, error) {
	if c.HasDB() {
		return []int{c.DB}, nil
	}
	s, err := redis.New(c.WithDB(0), 1)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	dbs, err := s.Keyspaces(ctx)
	if err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		logfield.Component: mainComponent,
		logfield.Event:     "DISCOVER-DBS",
		logfield.Store:     c.String(),
	}).Infof("found databases %v", dbs)
	return dbs, nil
}

func logError(event string, err error, fields logrus.Fields) {
	f := logrus.Fields{
		logfield.ErrorReason: err.Error(),
		logfield.Component:   mainComponent,
		logfield.Event:       event,
	}
	for k, v := range fields {
		f[k] = v
	}
	logrus.WithFields(f).Error(event)
}

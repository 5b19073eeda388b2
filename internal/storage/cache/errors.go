package cache

import (
	"errors"

	"github.com/redis/go-redis/v9"
)

func isMiss(err error) bool {
	return errors.Is(err, redis.Nil)
}

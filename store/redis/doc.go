// Package redis provides Redis-backed checkpoint storage.
//
// Each (thread, namespace) chain is a sorted set whose members all share score
// zero, so Redis orders them lexicographically and the time-ordered checkpoint
// ids come back newest first from ZREVRANGE. Records, child links and pending
// writes live in separate keys under a common prefix (default "wakil:").
//
//	s := redis.NewRedisCheckpointStore(redis.RedisOptions{
//		Addr: "localhost:6379",
//		TTL:  24 * time.Hour,
//	})
//	defer s.Close()
//	if err := s.Ping(ctx); err != nil {
//		return err
//	}
package redis

package store

import (
	"context"

	"github.com/go-redis/redis/v8"
)

// Transaction runs fn against a transactional pipeline (MULTI/EXEC): every
// command queued inside fn is committed atomically, or none are. A
// queuing error inside fn aborts before anything is sent; an EXEC failure
// returns ErrPipelineAborted so callers can distinguish "nothing happened"
// from "some of it happened."
func (g *Gateway) Transaction(ctx context.Context, fn func(pipe redis.Pipeliner) error) error {
	return g.withRetry(ctx, "tx_pipeline", func(ctx context.Context) error {
		pipe := g.client.TxPipeline()
		if err := fn(pipe); err != nil {
			pipe.Discard()
			return err
		}
		_, err := pipe.Exec(ctx)
		if err != nil && err != redis.Nil {
			return &pipelineError{err: err}
		}
		return nil
	})
}

// Pipeline runs fn against a non-transactional pipeline: commands are
// batched over one round trip but may partially apply if one fails.
// Callers that need multi-key atomicity must use Transaction instead.
func (g *Gateway) Pipeline(ctx context.Context, fn func(pipe redis.Pipeliner) error) error {
	return g.withRetry(ctx, "pipeline", func(ctx context.Context) error {
		pipe := g.client.Pipeline()
		if err := fn(pipe); err != nil {
			return err
		}
		_, err := pipe.Exec(ctx)
		if err != nil && err != redis.Nil {
			return err
		}
		return nil
	})
}

// TransactionCreateIndex writes a hash record's fields and adds member to a
// set index only if hashKey does not already exist. The existence check and
// the write run under WATCH, so two concurrent creators cannot both commit:
// the loser gets ErrConflict and writes nothing, whether the key existed
// before the call or was created mid-flight by the other writer.
func (g *Gateway) TransactionCreateIndex(ctx context.Context, hashKey string, fields map[string]interface{}, indexKey, member string) error {
	return g.withRetry(ctx, "tx_create", func(ctx context.Context) error {
		txf := func(tx *redis.Tx) error {
			n, err := tx.Exists(ctx, hashKey).Result()
			if err != nil {
				return err
			}
			if n > 0 {
				return ErrConflict
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, hashKey, fields)
				pipe.SAdd(ctx, indexKey, member)
				return nil
			})
			return err
		}
		if err := g.client.Watch(ctx, txf, hashKey); err != nil {
			if err == redis.TxFailedErr {
				return ErrConflict
			}
			return err
		}
		return nil
	})
}

// TransactionHSetDeindex writes a hash record's fields and removes member from
// a set index in one atomic round trip.
func (g *Gateway) TransactionHSetDeindex(ctx context.Context, hashKey string, fields map[string]interface{}, indexKey, member string) error {
	return g.Transaction(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, hashKey, fields)
		pipe.SRem(ctx, indexKey, member)
		return nil
	})
}

// TransactionDeleteDeindex deletes keys and removes member from a set index in
// one atomic round trip.
func (g *Gateway) TransactionDeleteDeindex(ctx context.Context, keys []string, indexKey, member string) error {
	return g.Transaction(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.SRem(ctx, indexKey, member)
		return nil
	})
}

// pipelineError is translated to ErrPipelineAborted at the withRetry
// boundary so it is never treated as a transport-class retry candidate.
type pipelineError struct{ err error }

func (e *pipelineError) Error() string { return ErrPipelineAborted.Error() + ": " + e.err.Error() }
func (e *pipelineError) Unwrap() error { return ErrPipelineAborted }

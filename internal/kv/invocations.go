package kv

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/osvaldoandrade/fnbay/internal/api"
)

func (s *Store) SaveInvocation(ctx context.Context, inv api.Invocation) error {
	if inv.CreatedAtMS == 0 {
		inv.CreatedAtMS = s.nowMS()
	}
	raw, err := json.Marshal(inv)
	if err != nil {
		return err
	}
	member := strconv.FormatInt(inv.Oid, 10)
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, InvocationKey(inv.Oid), raw, 0)
	pipe.Set(ctx, InvocationIDKey(inv.ID), member, 0)
	pipe.ZAdd(ctx, InvocationTimeIndexKey(), redis.Z{Score: float64(inv.CreatedAtMS), Member: member})
	pipe.ZAdd(ctx, FunctionInvocationsKey(inv.FunctionOid), redis.Z{Score: float64(inv.CreatedAtMS), Member: member})
	if _, err := pipe.Exec(ctx); err != nil {
		return writeErr(err, "function invocation")
	}
	return nil
}

func (s *Store) GetInvocation(ctx context.Context, id string) (api.Invocation, error) {
	oid, err := s.getOid(ctx, InvocationIDKey(id))
	if err != nil {
		return api.Invocation{}, readErr(err, "function invocation")
	}
	return getJSON[api.Invocation](ctx, s, InvocationKey(oid), "function invocation")
}

// ListInvocations returns up to limit of the function's most recent
// invocations, newest first.
func (s *Store) ListInvocations(ctx context.Context, functionOid int64, limit int) ([]api.Invocation, error) {
	if limit <= 0 {
		limit = 50
	}
	members, err := s.client.ZRevRange(ctx, FunctionInvocationsKey(functionOid), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, readErr(err, "function invocation index")
	}
	out := make([]api.Invocation, 0, len(members))
	for _, m := range members {
		inv, err := getJSON[api.Invocation](ctx, s, InvocationKey(parseInt(m)), "function invocation")
		if err != nil {
			continue
		}
		out = append(out, inv)
	}
	return out, nil
}

// PurgeInvocations deletes invocation records created before cutoffMS in
// batches and returns how many were removed.
func (s *Store) PurgeInvocations(ctx context.Context, cutoffMS int64, batch int) (int, error) {
	if batch <= 0 {
		batch = 500
	}
	purged := 0
	for {
		members, err := s.client.ZRangeByScore(ctx, InvocationTimeIndexKey(), &redis.ZRangeBy{
			Min:   "-inf",
			Max:   "(" + strconv.FormatInt(cutoffMS, 10),
			Count: int64(batch),
		}).Result()
		if err != nil {
			return purged, readErr(err, "function invocation index")
		}
		if len(members) == 0 {
			return purged, nil
		}
		pipe := s.client.TxPipeline()
		for _, m := range members {
			oid := parseInt(m)
			if inv, err := getJSON[api.Invocation](ctx, s, InvocationKey(oid), "function invocation"); err == nil {
				pipe.Del(ctx, InvocationIDKey(inv.ID))
				pipe.ZRem(ctx, FunctionInvocationsKey(inv.FunctionOid), m)
			}
			pipe.Del(ctx, InvocationKey(oid))
			pipe.ZRem(ctx, InvocationTimeIndexKey(), m)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return purged, writeErr(err, "function invocation purge")
		}
		purged += len(members)
		if len(members) < batch {
			return purged, nil
		}
	}
}

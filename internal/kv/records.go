package kv

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/osvaldoandrade/fnbay/internal/api"
	fberrors "github.com/osvaldoandrade/fnbay/internal/errors"
)

func getJSON[T any](ctx context.Context, s *Store, key, resource string) (T, error) {
	var out T
	raw, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		return out, readErr(err, resource)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fberrors.Wrap(fberrors.FBStoreReadFailed, "failed to decode "+resource, err)
	}
	return out, nil
}

// upsertByNaturalKey creates rec under its natural key unless one exists and
// returns the stored winner.
func upsertByNaturalKey[T any](ctx context.Context, s *Store, resource, naturalKey string, recordKey func(int64) string, oid int64, rec T, extra map[string]string) (T, bool, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return rec, false, err
	}
	keys := []string{naturalKey, recordKey(oid)}
	values := []any{strconv.FormatInt(oid, 10), string(raw)}
	for k, v := range extra {
		keys = append(keys, k)
		values = append(values, v)
	}
	winner, created, err := s.createIfAbsent(ctx, keys, values)
	if err != nil {
		return rec, false, writeErr(err, resource)
	}
	if created {
		return rec, true, nil
	}
	winnerOid, err := strconv.ParseInt(winner, 10, 64)
	if err != nil {
		return rec, false, fberrors.Wrap(fberrors.FBStoreReadFailed, "corrupt "+resource+" index", err)
	}
	stored, err := getJSON[T](ctx, s, recordKey(winnerOid), resource)
	return stored, false, err
}

func (s *Store) UpsertTenant(ctx context.Context, rec api.Tenant) (api.Tenant, error) {
	if rec.CreatedAtMS == 0 {
		rec.CreatedAtMS = s.nowMS()
	}
	out, _, err := upsertByNaturalKey(ctx, s, "tenant", TenantIdentifierKey(rec.Identifier), TenantKey, rec.Oid, rec,
		map[string]string{TenantIDKey(rec.ID): strconv.FormatInt(rec.Oid, 10)})
	return out, err
}

func (s *Store) GetTenant(ctx context.Context, oid int64) (api.Tenant, error) {
	return getJSON[api.Tenant](ctx, s, TenantKey(oid), "tenant")
}

func (s *Store) GetTenantByIdentifier(ctx context.Context, identifier string) (api.Tenant, error) {
	oid, err := s.getOid(ctx, TenantIdentifierKey(identifier))
	if err != nil {
		return api.Tenant{}, readErr(err, "tenant")
	}
	return s.GetTenant(ctx, oid)
}

func (s *Store) UpsertProvider(ctx context.Context, rec api.Provider) (api.Provider, error) {
	if rec.CreatedAtMS == 0 {
		rec.CreatedAtMS = s.nowMS()
	}
	out, _, err := upsertByNaturalKey(ctx, s, "provider", ProviderIdentifierKey(rec.Identifier), ProviderKey, rec.Oid, rec, nil)
	return out, err
}

func (s *Store) GetProvider(ctx context.Context, oid int64) (api.Provider, error) {
	return getJSON[api.Provider](ctx, s, ProviderKey(oid), "provider")
}

func (s *Store) UpsertRuntime(ctx context.Context, rec api.Runtime) (api.Runtime, error) {
	if rec.CreatedAtMS == 0 {
		rec.CreatedAtMS = s.nowMS()
	}
	out, _, err := upsertByNaturalKey(ctx, s, "runtime", RuntimeIdentifierKey(rec.Identifier), RuntimeKey, rec.Oid, rec, nil)
	return out, err
}

func (s *Store) GetRuntime(ctx context.Context, oid int64) (api.Runtime, error) {
	return getJSON[api.Runtime](ctx, s, RuntimeKey(oid), "runtime")
}

func (s *Store) GetRuntimeByIdentifier(ctx context.Context, identifier string) (api.Runtime, error) {
	oid, err := s.getOid(ctx, RuntimeIdentifierKey(identifier))
	if err != nil {
		return api.Runtime{}, readErr(err, "runtime")
	}
	return s.GetRuntime(ctx, oid)
}

// UpsertRuntimeWorkflow stores the mapping for (runtime, tenant) unless one
// exists; the stored mapping is returned either way.
func (s *Store) UpsertRuntimeWorkflow(ctx context.Context, rec api.RuntimeForgeWorkflow) (api.RuntimeForgeWorkflow, error) {
	if rec.CreatedAtMS == 0 {
		rec.CreatedAtMS = s.nowMS()
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return rec, err
	}
	winner, created, err := s.createIfAbsent(ctx, []string{RuntimeWorkflowKey(rec.RuntimeOid, rec.TenantOid)}, []any{string(raw)})
	if err != nil {
		return rec, writeErr(err, "runtime workflow")
	}
	if created {
		return rec, nil
	}
	var stored api.RuntimeForgeWorkflow
	if err := json.Unmarshal([]byte(winner), &stored); err != nil {
		return rec, fberrors.Wrap(fberrors.FBStoreReadFailed, "failed to decode runtime workflow", err)
	}
	return stored, nil
}

func (s *Store) GetRuntimeWorkflow(ctx context.Context, runtimeOid, tenantOid int64) (api.RuntimeForgeWorkflow, error) {
	return getJSON[api.RuntimeForgeWorkflow](ctx, s, RuntimeWorkflowKey(runtimeOid, tenantOid), "runtime workflow")
}

// CreateFunction fails with a conflict when the tenant already has a function
// with the same identifier.
func (s *Store) CreateFunction(ctx context.Context, rec api.Function) (api.Function, error) {
	if err := api.ValidateIdentifier(rec.Identifier); err != nil {
		return rec, fberrors.Wrap(fberrors.FBValidationName, err.Error(), err)
	}
	if rec.CreatedAtMS == 0 {
		rec.CreatedAtMS = s.nowMS()
	}
	rec.CurrentVersionOid = nil
	_, created, err := upsertByNaturalKey(ctx, s, "function", FunctionIdentifierKey(rec.TenantOid, rec.Identifier), FunctionKey, rec.Oid, rec,
		map[string]string{FunctionIDKey(rec.ID): strconv.FormatInt(rec.Oid, 10)})
	if err != nil {
		return rec, err
	}
	if !created {
		return rec, fberrors.New(fberrors.FBConflictExists, "function already exists")
	}
	if err := s.client.ZAdd(ctx, TenantFunctionsKey(rec.TenantOid), redis.Z{Score: float64(rec.CreatedAtMS), Member: rec.Oid}).Err(); err != nil {
		return rec, writeErr(err, "function index")
	}
	return rec, nil
}

func (s *Store) GetFunction(ctx context.Context, oid int64) (api.Function, error) {
	fn, err := getJSON[api.Function](ctx, s, FunctionKey(oid), "function")
	if err != nil {
		return fn, err
	}
	current, err := s.client.Get(ctx, FunctionCurrentKey(oid)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fn, readErr(err, "function")
	}
	fn.CurrentVersionOid = optionalOid(current)
	return fn, nil
}

// ResolveFunction looks a tenant's function up by public id or identifier.
func (s *Store) ResolveFunction(ctx context.Context, tenantOid int64, ref string) (api.Function, error) {
	oid, err := s.getOid(ctx, FunctionIDKey(ref))
	if errors.Is(err, redis.Nil) {
		oid, err = s.getOid(ctx, FunctionIdentifierKey(tenantOid, ref))
	}
	if err != nil {
		return api.Function{}, readErr(err, "function")
	}
	fn, err := s.GetFunction(ctx, oid)
	if err != nil {
		return fn, err
	}
	if fn.TenantOid != tenantOid {
		return api.Function{}, fberrors.NotFound("function")
	}
	return fn, nil
}

func (s *Store) ListFunctions(ctx context.Context, tenantOid int64) ([]api.Function, error) {
	members, err := s.client.ZRange(ctx, TenantFunctionsKey(tenantOid), 0, -1).Result()
	if err != nil {
		return nil, readErr(err, "function index")
	}
	out := make([]api.Function, 0, len(members))
	for _, m := range members {
		fn, err := s.GetFunction(ctx, parseInt(m))
		if err != nil {
			continue
		}
		out = append(out, fn)
	}
	return out, nil
}

// SetCurrentVersionIfSucceeded points the function at versionOid only while
// the deployment's status is succeeded.
func (s *Store) SetCurrentVersionIfSucceeded(ctx context.Context, functionOid, versionOid, deploymentOid int64) (bool, error) {
	res, err := setCurrentIfSucceededScript.Run(ctx, s.client,
		[]string{DeploymentKey(deploymentOid), FunctionCurrentKey(functionOid)},
		strconv.FormatInt(versionOid, 10),
	).Int64()
	if err != nil {
		return false, writeErr(err, "function current version")
	}
	return res == 1, nil
}

// CreateVersion stores an immutable version under its pre-minted oid. A
// second call with the same oid returns the stored version.
func (s *Store) CreateVersion(ctx context.Context, rec api.Version) (api.Version, bool, error) {
	if rec.CreatedAtMS == 0 {
		rec.CreatedAtMS = s.nowMS()
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return rec, false, err
	}
	winner, created, err := s.createIfAbsent(ctx,
		[]string{VersionKey(rec.Oid), VersionIDKey(rec.ID)},
		[]any{string(raw), strconv.FormatInt(rec.Oid, 10)},
	)
	if err != nil {
		return rec, false, writeErr(err, "function version")
	}
	if !created {
		var stored api.Version
		if err := json.Unmarshal([]byte(winner), &stored); err != nil {
			return rec, false, fberrors.Wrap(fberrors.FBStoreReadFailed, "failed to decode function version", err)
		}
		return stored, false, nil
	}
	if err := s.client.ZAdd(ctx, FunctionVersionsKey(rec.FunctionOid), redis.Z{Score: float64(rec.Oid), Member: rec.Oid}).Err(); err != nil {
		return rec, true, writeErr(err, "function version index")
	}
	return rec, true, nil
}

func (s *Store) GetVersion(ctx context.Context, oid int64) (api.Version, error) {
	return getJSON[api.Version](ctx, s, VersionKey(oid), "function version")
}

// GetVersionByID returns the version only if it belongs to functionOid.
func (s *Store) GetVersionByID(ctx context.Context, functionOid int64, id string) (api.Version, error) {
	oid, err := s.getOid(ctx, VersionIDKey(id))
	if err != nil {
		return api.Version{}, readErr(err, "function version")
	}
	v, err := s.GetVersion(ctx, oid)
	if err != nil {
		return v, err
	}
	if v.FunctionOid != functionOid {
		return api.Version{}, fberrors.NotFound("function version")
	}
	return v, nil
}

func (s *Store) ListVersions(ctx context.Context, functionOid int64) ([]api.Version, error) {
	members, err := s.client.ZRange(ctx, FunctionVersionsKey(functionOid), 0, -1).Result()
	if err != nil {
		return nil, readErr(err, "function version index")
	}
	out := make([]api.Version, 0, len(members))
	for _, m := range members {
		v, err := s.GetVersion(ctx, parseInt(m))
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// CreateBundle creates the bundle in the uploading state unless it exists.
func (s *Store) CreateBundle(ctx context.Context, rec api.Bundle) (bool, error) {
	now := s.nowMS()
	if rec.CreatedAtMS == 0 {
		rec.CreatedAtMS = now
	}
	if rec.Status == "" {
		rec.Status = api.BundleUploading
	}
	res, err := createHashScript.Run(ctx, s.client, []string{BundleKey(rec.Oid)},
		"oid", strconv.FormatInt(rec.Oid, 10),
		"id", rec.ID,
		"function_oid", strconv.FormatInt(rec.FunctionOid, 10),
		"status", string(rec.Status),
		"storage_bucket", rec.StorageBucket,
		"storage_key", rec.StorageKey,
		"created_at_ms", strconv.FormatInt(rec.CreatedAtMS, 10),
		"updated_at_ms", strconv.FormatInt(now, 10),
	).Int64()
	if err != nil {
		return false, writeErr(err, "function bundle")
	}
	return res == 1, nil
}

func (s *Store) GetBundle(ctx context.Context, oid int64) (api.Bundle, error) {
	fields, err := s.client.HGetAll(ctx, BundleKey(oid)).Result()
	if err != nil {
		return api.Bundle{}, readErr(err, "function bundle")
	}
	if len(fields) == 0 {
		return api.Bundle{}, fberrors.NotFound("function bundle")
	}
	return api.Bundle{
		Oid:           parseInt(fields["oid"]),
		ID:            fields["id"],
		FunctionOid:   parseInt(fields["function_oid"]),
		Status:        api.BundleStatus(fields["status"]),
		StorageBucket: fields["storage_bucket"],
		StorageKey:    fields["storage_key"],
		CreatedAtMS:   parseInt(fields["created_at_ms"]),
		UpdatedAtMS:   parseInt(fields["updated_at_ms"]),
	}, nil
}

func (s *Store) MarkBundleAvailable(ctx context.Context, oid int64, bucket, key string) error {
	ok, err := s.updateExisting(ctx, BundleKey(oid),
		"status", string(api.BundleAvailable),
		"storage_bucket", bucket,
		"storage_key", key,
		"updated_at_ms", strconv.FormatInt(s.nowMS(), 10),
	)
	if err != nil {
		return writeErr(err, "function bundle")
	}
	if !ok {
		return fberrors.NotFound("function bundle")
	}
	return nil
}

func (s *Store) MarkBundleFailed(ctx context.Context, oid int64) error {
	ok, err := s.updateExisting(ctx, BundleKey(oid),
		"status", string(api.BundleFailed),
		"updated_at_ms", strconv.FormatInt(s.nowMS(), 10),
	)
	if err != nil {
		return writeErr(err, "function bundle")
	}
	if !ok {
		return fberrors.NotFound("function bundle")
	}
	return nil
}

package rbac

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDatabase(t *testing.T, content string) *Database {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rbac.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	db := NewDatabase()
	require.NoError(t, db.LoadFile(path))
	return db
}

const sampleDB = `
users:
  admin:
    password: hunter2
    global: [Administrator]
  app:
    password: s3cret
    buckets:
      data: [Read, Upsert, XattrRead, XattrWrite]
      "*": [SelectBucket]
  sync:
    domain: external
    buckets:
      data: [Read, SystemXattrRead, SystemXattrWrite]
`

func TestDatabase_LoadAndCheck(t *testing.T) {
	db := writeDatabase(t, sampleDB)

	ctx, err := db.CreateContext("app", DomainLocal, "data")
	require.NoError(t, err)

	assert.Equal(t, CheckOk, ctx.Check(PrivRead))
	assert.Equal(t, CheckOk, ctx.Check(PrivUpsert))
	assert.Equal(t, CheckOk, ctx.Check(PrivSelectBucket))
	assert.Equal(t, CheckFail, ctx.Check(PrivDelete))
	assert.Equal(t, CheckFail, ctx.Check(PrivSystemXattrWrite))
}

func TestDatabase_AdministratorImpliesEverything(t *testing.T) {
	db := writeDatabase(t, sampleDB)

	ctx, err := db.CreateContext("admin", DomainLocal, "anything")
	require.NoError(t, err)
	assert.Equal(t, CheckOk, ctx.Check(PrivDcpProducer))
	assert.Equal(t, CheckOk, ctx.Check(PrivBucketManagement))
}

func TestDatabase_StaleAfterReload(t *testing.T) {
	db := writeDatabase(t, sampleDB)

	ctx, err := db.CreateContext("app", DomainLocal, "data")
	require.NoError(t, err)
	require.Equal(t, CheckOk, ctx.Check(PrivRead))

	// Any generation bump invalidates the snapshot.
	db.AddUser("newuser", DomainLocal, nil, nil)
	assert.Equal(t, CheckStale, ctx.Check(PrivRead))

	rebuilt, err := db.CreateContext("app", DomainLocal, "data")
	require.NoError(t, err)
	assert.Equal(t, CheckOk, rebuilt.Check(PrivRead))
}

func TestDatabase_UnknownUser(t *testing.T) {
	db := writeDatabase(t, sampleDB)
	_, err := db.CreateContext("ghost", DomainLocal, "data")
	assert.Error(t, err)
}

func TestDatabase_UnknownPrivilegeRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rbac.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
users:
  u:
    global: [Fly]
`), 0o600))

	db := NewDatabase()
	assert.Error(t, db.LoadFile(path))
}

func TestDatabase_CheckPassword(t *testing.T) {
	db := writeDatabase(t, sampleDB)

	assert.True(t, db.CheckPassword("admin", "hunter2"))
	assert.False(t, db.CheckPassword("admin", "wrong"))
	assert.False(t, db.CheckPassword("ghost", "hunter2"))
	// External users never authenticate locally.
	assert.False(t, db.CheckPassword("sync", ""))
}

func TestContext_Drop(t *testing.T) {
	db := writeDatabase(t, sampleDB)

	ctx, err := db.CreateContext("app", DomainLocal, "data")
	require.NoError(t, err)
	require.Equal(t, CheckOk, ctx.Check(PrivRead))

	ctx.Drop(PrivRead)
	assert.Equal(t, CheckFail, ctx.Check(PrivRead))
	assert.Equal(t, CheckOk, ctx.Check(PrivUpsert))
}

func TestContext_DomainAccessors(t *testing.T) {
	db := writeDatabase(t, sampleDB)

	ctx, err := db.CreateContext("sync", DomainExternal, "data")
	require.NoError(t, err)
	assert.Equal(t, "sync", ctx.User())
	assert.Equal(t, DomainExternal, ctx.Domain())
	assert.Equal(t, "data", ctx.Bucket())
	assert.True(t, db.UserExists("sync", DomainExternal))
	assert.False(t, db.UserExists("sync", DomainLocal))
}

// Package rbac holds the privilege database and the per-connection
// privilege contexts the frontend checks commands against.
//
// A PrivilegeContext is a snapshot: it caches the privilege mask for
// one {user, domain, bucket} triple together with the database
// generation it was built from. Checks against a snapshot whose
// generation has been superseded return CheckStale, telling the caller
// to rebuild the context and retry.
package rbac

import (
	"crypto/subtle"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Privilege is one grantable capability.
type Privilege int

const (
	PrivRead Privilege = iota
	PrivUpsert
	PrivInsert
	PrivDelete
	PrivMetaRead
	PrivMetaWrite
	PrivXattrRead
	PrivXattrWrite
	PrivSystemXattrRead
	PrivSystemXattrWrite
	PrivDcpProducer
	PrivDcpConsumer
	PrivTap
	PrivSimpleStats
	PrivStats
	PrivSelectBucket
	PrivSettings
	PrivBucketManagement
	PrivNodeManagement
	PrivSessionManagement
	PrivAudit
	PrivSecurityManagement
	PrivImpersonate
	PrivAdministrator

	numPrivileges
)

var privilegeNames = map[string]Privilege{
	"Read":              PrivRead,
	"Upsert":            PrivUpsert,
	"Insert":            PrivInsert,
	"Delete":            PrivDelete,
	"MetaRead":          PrivMetaRead,
	"MetaWrite":         PrivMetaWrite,
	"XattrRead":         PrivXattrRead,
	"XattrWrite":        PrivXattrWrite,
	"SystemXattrRead":   PrivSystemXattrRead,
	"SystemXattrWrite":  PrivSystemXattrWrite,
	"DcpProducer":       PrivDcpProducer,
	"DcpConsumer":       PrivDcpConsumer,
	"Tap":               PrivTap,
	"SimpleStats":       PrivSimpleStats,
	"Stats":             PrivStats,
	"SelectBucket":      PrivSelectBucket,
	"Settings":          PrivSettings,
	"BucketManagement":  PrivBucketManagement,
	"NodeManagement":    PrivNodeManagement,
	"SessionManagement": PrivSessionManagement,
	"Audit":             PrivAudit,
	"SecurityManagement": PrivSecurityManagement,
	"Impersonate":       PrivImpersonate,
	"Administrator":     PrivAdministrator,
}

func (p Privilege) String() string {
	for name, priv := range privilegeNames {
		if priv == p {
			return name
		}
	}
	return fmt.Sprintf("Privilege(%d)", int(p))
}

// Domain distinguishes locally defined users from externally
// authenticated ones.
type Domain int

const (
	DomainLocal Domain = iota
	DomainExternal
)

func (d Domain) String() string {
	if d == DomainExternal {
		return "external"
	}
	return "local"
}

// CheckResult is the outcome of a privilege check.
type CheckResult int

const (
	// CheckOk grants the operation.
	CheckOk CheckResult = iota
	// CheckFail denies the operation.
	CheckFail
	// CheckStale means the context was built from an outdated database
	// generation; rebuild and retry once.
	CheckStale
)

// mask is a privilege bitset.
type mask uint32

func (m mask) has(p Privilege) bool { return m&(1<<uint(p)) != 0 }
func (m *mask) add(p Privilege)     { *m |= 1 << uint(p) }

// userEntry is one user in the database file.
type userEntry struct {
	Domain   string              `yaml:"domain"`
	Password string              `yaml:"password"`
	Global   []string            `yaml:"global"`
	Buckets  map[string][]string `yaml:"buckets"`
}

// databaseFile is the on-disk schema.
type databaseFile struct {
	Users map[string]userEntry `yaml:"users"`
}

// Database is the process-wide privilege database.
type Database struct {
	mu         sync.RWMutex
	users      map[string]userEntry
	generation atomic.Uint64
}

// NewDatabase creates an empty database (generation 1).
func NewDatabase() *Database {
	db := &Database{users: make(map[string]userEntry)}
	db.generation.Store(1)
	return db
}

// LoadFile replaces the database content from a YAML file and bumps
// the generation, invalidating every outstanding context.
func (db *Database) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read rbac file: %w", err)
	}

	var parsed databaseFile
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("parse rbac file: %w", err)
	}

	for name, entry := range parsed.Users {
		for _, priv := range entry.Global {
			if _, ok := privilegeNames[priv]; !ok {
				return fmt.Errorf("rbac user %q: unknown privilege %q", name, priv)
			}
		}
		for bucket, privs := range entry.Buckets {
			for _, priv := range privs {
				if _, ok := privilegeNames[priv]; !ok {
					return fmt.Errorf("rbac user %q bucket %q: unknown privilege %q", name, bucket, priv)
				}
			}
		}
	}

	db.mu.Lock()
	db.users = parsed.Users
	db.mu.Unlock()
	db.generation.Add(1)
	return nil
}

// AddUser inserts or replaces a user programmatically (used by tests
// and by UpdateExternalUserPermissions) and bumps the generation.
func (db *Database) AddUser(name string, domain Domain, global []string, buckets map[string][]string) {
	db.mu.Lock()
	db.users[name] = userEntry{
		Domain:  domain.String(),
		Global:  global,
		Buckets: buckets,
	}
	db.mu.Unlock()
	db.generation.Add(1)
}

// Generation returns the current database generation.
func (db *Database) Generation() uint64 {
	return db.generation.Load()
}

// CheckPassword verifies a local user's password. Users without a
// password in the database reject every authentication attempt.
func (db *Database) CheckPassword(user, password string) bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	entry, ok := db.users[user]
	if !ok || entry.Password == "" {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(entry.Password), []byte(password)) != 1 {
		return false
	}
	return entry.Domain == "" || entry.Domain == DomainLocal.String()
}

// UserExists reports whether the user is defined for the domain.
func (db *Database) UserExists(user string, domain Domain) bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	entry, ok := db.users[user]
	if !ok {
		return false
	}
	if entry.Domain == "" {
		return domain == DomainLocal
	}
	return entry.Domain == domain.String()
}

// Context is a privilege snapshot for one {user, domain, bucket}.
type Context struct {
	user       string
	domain     Domain
	bucket     string
	privileges mask
	// dropped privileges are masked out until the context is rebuilt
	// (DropPrivilege is a test aid).
	dropped    mask
	generation uint64
	db         *Database
}

// CreateContext builds a snapshot for the given triple. An unknown
// user yields an error; bucket may be empty for "no bucket".
func (db *Database) CreateContext(user string, domain Domain, bucket string) (*Context, error) {
	db.mu.RLock()
	entry, ok := db.users[user]
	db.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("rbac: no such user %q", user)
	}

	var m mask
	for _, priv := range entry.Global {
		m.add(privilegeNames[priv])
	}
	if bucket != "" {
		for _, priv := range entry.Buckets[bucket] {
			m.add(privilegeNames[priv])
		}
		// A wildcard entry applies to every bucket.
		for _, priv := range entry.Buckets["*"] {
			m.add(privilegeNames[priv])
		}
	}

	return &Context{
		user:       user,
		domain:     domain,
		bucket:     bucket,
		privileges: m,
		generation: db.generation.Load(),
		db:         db,
	}, nil
}

// Check tests one privilege against the snapshot.
func (c *Context) Check(p Privilege) CheckResult {
	if c == nil {
		return CheckFail
	}
	if c.generation != c.db.generation.Load() {
		return CheckStale
	}
	if c.dropped.has(p) {
		return CheckFail
	}
	if c.privileges.has(PrivAdministrator) || c.privileges.has(p) {
		return CheckOk
	}
	return CheckFail
}

// Drop masks out a privilege until the context is rebuilt.
func (c *Context) Drop(p Privilege) {
	c.dropped.add(p)
}

// User returns the snapshot's user name.
func (c *Context) User() string { return c.user }

// Domain returns the snapshot's domain.
func (c *Context) Domain() Domain { return c.domain }

// Bucket returns the snapshot's bucket (empty for "no bucket").
func (c *Context) Bucket() string { return c.bucket }

// ParsePrivilege resolves a privilege name.
func ParsePrivilege(name string) (Privilege, error) {
	p, ok := privilegeNames[name]
	if !ok {
		return 0, fmt.Errorf("rbac: unknown privilege %q", name)
	}
	return p, nil
}

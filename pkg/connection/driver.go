package connection

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/ajitpratap0/magnetar/pkg/errors"
)

// Driver builds sessions for one data store family. Implementations live
// under pkg/connection/drivers and register themselves in their package
// init; blank-import a driver package to activate it.
type Driver interface {
	// Name is the identifier matched against Config.Driver.
	Name() string

	// Open dials the store described by cfg, applies its session parameters,
	// and returns a ready session. cfg has defaults applied, is validated,
	// and carries a resolved plaintext password.
	Open(ctx context.Context, cfg *Config) (Session, error)

	// ProbeStatement is the trivial round-trip statement used by
	// connection probes.
	ProbeStatement() string
}

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Driver)
)

// RegisterDriver makes a driver available by its name. It panics when the
// driver is nil or the name is already taken, mirroring database/sql.
func RegisterDriver(d Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()

	if d == nil {
		panic("connection: RegisterDriver driver is nil")
	}
	name := d.Name()
	if _, dup := drivers[name]; dup {
		panic("connection: RegisterDriver called twice for driver " + name)
	}
	drivers[name] = d
}

// LookupDriver returns the driver registered under name.
func LookupDriver(name string) (Driver, error) {
	driversMu.RLock()
	d, ok := drivers[name]
	driversMu.RUnlock()

	if !ok {
		return nil, errors.Newf(errors.CategoryConfiguration,
			"unknown connection driver %q (registered: %s)", name, strings.Join(Drivers(), ", "))
	}
	return d, nil
}

// Drivers returns the sorted names of all registered drivers.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()

	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

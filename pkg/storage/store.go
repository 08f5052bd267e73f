package storage

import (
	"github.com/cuemby/burrow/pkg/types"
)

// Store is the resource ledger: everything a cluster creates is recorded
// before creation and forgotten after removal, so leftovers of a crashed
// run can be found and reaped by project.
type Store interface {
	// Record adds or replaces a resource
	Record(r *types.Resource) error

	// Forget removes a resource; forgetting an unknown resource is not an error
	Forget(r *types.Resource) error

	// List returns the resources of a project, ordered by kind then ID
	List(project string) ([]*types.Resource, error)

	// ForgetProject removes every resource of a project
	ForgetProject(project string) error

	// Projects returns every project with at least one resource
	Projects() ([]string, error)

	// Close releases the store
	Close() error
}

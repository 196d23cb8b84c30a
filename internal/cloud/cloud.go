// Package cloud specifies the Cloud Adapter (§4.3): the external collaborator
// wrapping the IaaS operations the core control loop needs. Only the
// interface is part of the spec's core; this package also ships one concrete,
// DigitalOcean-shaped JSON-over-HTTPS implementation (§6) so the repo has a
// working adapter rather than just a contract.
package cloud

import "context"

// Address is one network address a provider instance exposes.
type Address struct {
	Kind  string // "private" or "public"
	Value string
}

// Instance is the provider payload shape described in §4.3: "id, name,
// region.slug, tags, and a list of address records each tagged private or public".
type Instance struct {
	ID        string
	Name      string
	Region    string
	Tags      []string
	Addresses []Address
}

// Template is the opaque payload passed to Create (§3: provisioningTemplate),
// carrying "name base, region, size class, image, key material references,
// feature toggles, attached-volume list, and tags" (§6).
type Template struct {
	NameBase          string
	Region            string
	Size              string
	Image             string
	SSHKeys           []string
	Backups           bool
	IPv6              bool
	PrivateNetworking bool
	UserData          string
	Monitoring        bool
	Volumes           []string
	Tags              []string
}

// Adapter is the contract the core control loop depends on (§4.3). Every
// operation returns success or a failure reason; there is no retry contract
// at this layer — §7 places reconvergence responsibility on the caller.
type Adapter interface {
	// List returns every instance carrying tag, paginated internally by the
	// implementation. Used once at bootstrap.
	List(ctx context.Context, tag string) ([]Instance, error)
	// Get fetches a single instance by id. Used on Added to enrich a newcomer.
	Get(ctx context.Context, id string) (Instance, error)
	// Create provisions a new instance from template and returns its id.
	// Non-blocking with respect to group logic: the created instance will
	// appear via gossip later, not as a side effect of this call returning.
	Create(ctx context.Context, tmpl Template) (string, error)
	// Destroy tears down the instance with id. Idempotent from the core's
	// perspective — repeated destroys of the same id are tolerated.
	Destroy(ctx context.Context, id string) error
	// AssignFloatingAddress reassigns address to the instance with id. Used
	// only by the floating-address sub-election (§4.6).
	AssignFloatingAddress(ctx context.Context, address, id string) error
}

// Package workflow implements the managed deployment composite job: VM
// hardware, disks and network adapters are created first and guest
// configuration is injected only once they exist.
package workflow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cuongbtq/hv-orchestrator/internal/domain"
	"github.com/cuongbtq/hv-orchestrator/internal/envelope"
)

// Scope says which step a caller-supplied field belongs to
type Scope string

const (
	ScopeVM    Scope = "vm"
	ScopeDisk  Scope = "disk"
	ScopeNIC   Scope = "nic"
	ScopeGuest Scope = "guest"
)

// List fields that fan out into one step per element
const (
	FieldDisks = "disks"
	FieldNICs  = "nics"
)

// Schema tags fields with their scope. Fields it does not name are
// classified by prefix.
type Schema map[string]Scope

// DefaultSchema tags the guest fields whose names do not carry a prefix
var DefaultSchema = Schema{
	"hostname":          ScopeGuest,
	"domain_join":       ScopeGuest,
	"domain_name":       ScopeGuest,
	"domain_ou":         ScopeGuest,
	"domain_user":       ScopeGuest,
	"domain_password":   ScopeGuest,
	"ip_address":        ScopeGuest,
	"subnet_prefix":     ScopeGuest,
	"default_gateway":   ScopeGuest,
	"dns_servers":       ScopeGuest,
	"admin_username":    ScopeGuest,
	"admin_password":    ScopeGuest,
	"network_name":      ScopeNIC,
	"switch_name":       ScopeNIC,
	"mac_address":       ScopeNIC,
	"vlan_id":           ScopeNIC,
	"storage_path":      ScopeDisk,
	"image_path":        ScopeDisk,
	"vm_name":           ScopeVM,
	"cpu_cores":         ScopeVM,
	"gb_ram":            ScopeVM,
	"generation":        ScopeVM,
	"secure_boot":       ScopeVM,
	"dynamic_memory":    ScopeVM,
	"vm_clustered":      ScopeVM,
	"notes":             ScopeVM,
	"automatic_startup": ScopeVM,
}

// Classify returns the scope of field
func (s Schema) Classify(field string) Scope {
	if scope, ok := s[field]; ok {
		return scope
	}
	switch {
	case strings.HasPrefix(field, "guest_"):
		return ScopeGuest
	case strings.HasPrefix(field, "disk_"):
		return ScopeDisk
	case strings.HasPrefix(field, "nic_"), strings.HasPrefix(field, "network_"), strings.HasPrefix(field, "adapter_"):
		return ScopeNIC
	}
	return ScopeVM
}

// Plan is the result of field partitioning
type Plan struct {
	VM    map[string]any
	Disks []map[string]any
	NICs  []map[string]any
	Guest map[string]any
}

// Partition splits a managed deployment's fields between its steps.
// Explicit guest configuration is always guest-scoped. Top-level disk and
// NIC fields describe one disk and one adapter; the "disks" and "nics" lists
// add more. At least one adapter is always created.
func Partition(spec, guest map[string]any, schema Schema) (Plan, error) {
	if schema == nil {
		schema = DefaultSchema
	}

	plan := Plan{
		VM:    map[string]any{},
		Guest: envelope.CloneMap(guest),
	}
	if plan.Guest == nil {
		plan.Guest = map[string]any{}
	}

	spec = envelope.CloneMap(spec)
	topDisk := map[string]any{}
	topNIC := map[string]any{}

	for _, key := range sortedKeys(spec) {
		value := spec[key]

		switch key {
		case FieldDisks:
			items, err := objectList(key, value)
			if err != nil {
				return Plan{}, err
			}
			for _, item := range items {
				plan.Disks = append(plan.Disks, splitItem(item, schema, plan.Guest))
			}
			continue
		case FieldNICs:
			items, err := objectList(key, value)
			if err != nil {
				return Plan{}, err
			}
			for _, item := range items {
				plan.NICs = append(plan.NICs, splitItem(item, schema, plan.Guest))
			}
			continue
		}

		switch schema.Classify(key) {
		case ScopeGuest:
			plan.Guest[key] = value
		case ScopeDisk:
			topDisk[key] = value
		case ScopeNIC:
			topNIC[key] = value
		default:
			plan.VM[key] = value
		}
	}

	if len(topDisk) > 0 {
		plan.Disks = append([]map[string]any{topDisk}, plan.Disks...)
	}
	if len(topNIC) > 0 {
		plan.NICs = append([]map[string]any{topNIC}, plan.NICs...)
	}
	if len(plan.NICs) == 0 {
		plan.NICs = []map[string]any{{}}
	}

	if domain.StringField(plan.VM, domain.FieldVMName) == "" {
		return Plan{}, domain.NewValidationError("resource_spec.vm_name", "is required for a managed deployment")
	}
	return plan, nil
}

// splitItem keeps an element's fields on its own step except guest-scoped
// ones, which move to the guest configuration
func splitItem(item map[string]any, schema Schema, guest map[string]any) map[string]any {
	out := make(map[string]any, len(item))
	for k, v := range item {
		if schema.Classify(k) == ScopeGuest {
			guest[k] = v
			continue
		}
		out[k] = v
	}
	return out
}

func objectList(field string, value any) ([]map[string]any, error) {
	list, ok := value.([]any)
	if !ok {
		return nil, domain.NewValidationError("resource_spec."+field, "must be a list of objects")
	}
	out := make([]map[string]any, 0, len(list))
	for i, v := range list {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, domain.NewValidationError(fmt.Sprintf("resource_spec.%s[%d]", field, i), "must be an object")
		}
		out = append(out, m)
	}
	return out, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

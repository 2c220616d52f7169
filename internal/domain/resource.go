package domain

import "fmt"

// ResourceRef names one resource on a host
type ResourceRef struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// Well-known resource_spec and result data keys carrying resource identity
const (
	FieldVMID       = "vm_id"
	FieldVMName     = "vm_name"
	FieldDiskID     = "disk_id"
	FieldNICID      = "nic_id"
	FieldResourceID = "resource_id"
)

// KindResource is used for jobs identified only by a generic resource_id
const KindResource = "resource"

// ResourceIdentity returns the resource a job of type t operates on, derived
// from its resource spec. Disk and NIC jobs without their own id fall back to
// the VM they attach to. ok is false when the resource spec names none.
//
// A VM is identified by vm_id when present, otherwise by vm_name. The two are
// not reconciled: a job naming a VM only by vm_name and another naming the
// same VM by vm_id get different identities and are not serialized against
// each other. Callers that need ordering must name the VM the same way.
func ResourceIdentity(t JobType, spec map[string]any) (ResourceRef, bool) {
	vm := func() (ResourceRef, bool) {
		if id := StringField(spec, FieldVMID); id != "" {
			return ResourceRef{Kind: KindVM, ID: id}, true
		}
		if name := StringField(spec, FieldVMName); name != "" {
			return ResourceRef{Kind: KindVM, ID: name}, true
		}
		return ResourceRef{}, false
	}

	switch t.ResourceKind() {
	case KindVM:
		if ref, ok := vm(); ok {
			return ref, true
		}
	case KindDisk:
		if id := StringField(spec, FieldDiskID); id != "" {
			return ResourceRef{Kind: KindDisk, ID: id}, true
		}
		if ref, ok := vm(); ok {
			return ref, true
		}
	case KindNIC:
		if id := StringField(spec, FieldNICID); id != "" {
			return ResourceRef{Kind: KindNIC, ID: id}, true
		}
		if ref, ok := vm(); ok {
			return ref, true
		}
	}

	if id := StringField(spec, FieldResourceID); id != "" {
		return ResourceRef{Kind: KindResource, ID: id}, true
	}
	return ResourceRef{}, false
}

// ResourceKey is the serialization key for a job, or "" when the job is not
// bound to an identifiable resource
func ResourceKey(host string, t JobType, spec map[string]any) string {
	if t.IsComposite() {
		return ""
	}
	ref, ok := ResourceIdentity(t, spec)
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s/%s/%s", host, ref.Kind, ref.ID)
}

// StringField returns m[key] rendered as a string, or "" when absent
func StringField(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	case float64, int, int64:
		return fmt.Sprint(s)
	}
	return ""
}

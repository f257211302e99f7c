// Package models defines the Pawbase entity vocabulary shared by the cache,
// the gateway and the change listener.
package models

// Entity identifies one of the Pawbase record collections.
type Entity string

const (
	Customers    Entity = "customers"
	Pets         Entity = "pets"
	Appointments Entity = "appointments"
	Services     Entity = "services"
)

// Entities lists every known entity, in no particular order.
// The change listener uses it to build its default key mapping.
func Entities() []Entity {
	return []Entity{Customers, Pets, Appointments, Services}
}

// Action is the kind of change reported by a push notification.
type Action string

const (
	CreateAction Action = "CREATE"
	UpdateAction Action = "UPDATE"
	DeleteAction Action = "DELETE"
)

// Package schema defines the entity model that contexts validate against and
// loads it from CUE.
//
// A model file declares entities under a top-level "entity" struct:
//
//	entity: Person: {
//		attribute: {
//			firstName: string
//			lastName:  string
//			nickname?: string
//			rating:    int | *0
//		}
//		relationship: {
//			friends: {destination: "Person", toMany: true, inverse: "friends"}
//			employer: {destination: "Company", optional: false, deleteRule: "deny"}
//		}
//	}
//
// Attribute types come from the CUE kind of the declaration. Optional fields
// (name?) may be absent; defaults (| *value) are filled in on insert. Float
// and number kinds are rejected. Relationships are optional unless declared
// with optional: false, and nullify on delete unless a deleteRule is given.
package schema

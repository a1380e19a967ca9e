// Package facility tracks device bindings: which facility, gateway and
// unit each lock device belongs to.
//
// The full facility/unit/tenant domain model lives in the resource
// service. This package carries only the projection that command
// routing and revocation need — resolving a unit to its devices, and a
// device to the gateway that fronts it.
package facility

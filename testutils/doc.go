// Package testutils provides test helpers shared across nestlink packages.
//
// Key components:
//   - FakeHub: an httptest server speaking the JSON hub protocol over
//     WebSocket, with hooks to drop connections, reject tokens and push
//     invocations to connected clients
//   - SetupCredentialStore: a migrated SQLite credential store in a temp dir
//
// Example usage:
//
//	import "github.com/migadu/nestlink/testutils"
//
//	func TestReceive(t *testing.T) {
//		hub := testutils.NewFakeHub(t)
//		// point the session at hub.URL() ...
//	}
package testutils

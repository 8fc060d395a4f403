// Package sockguardtest plugs sockguard into go test.
//
// Call Main from TestMain to pick up the global default:
//
//	func TestMain(m *testing.M) { os.Exit(sockguardtest.Main(m)) }
//
// The default is blocked when the test binary gets -disable-socket, when
// SOCKGUARD_DISABLE_SOCKET is true, or when the nearest .sockguard.yaml sets
// disable_socket. Individual tests override it with Mark (enable_socket
// beats disable_socket), or from inside the body with the SocketEnabled and
// SocketDisabled fixtures, which rank below any directive. Whatever a test
// changes through the harness is undone when it finishes.
//
// Sockets are only guarded where code goes through a sockguard seam, for
// example sockguard.DialContext or sockguard.DefaultGuard().Transport(nil).
package sockguardtest

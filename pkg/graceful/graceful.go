// Package graceful wraps errors with a gRPC status code so every layer
// (websocket gateway, REST handlers, simulation ticks) classifies failures
// the same way:
//
//	codes.Canceled          connection dropped
//	codes.PermissionDenied  control message from a caller without the role
//	codes.InvalidArgument   malformed control message
//	codes.Unavailable       persistence store unreachable or circuit open
//	codes.Aborted           lost atomic-increment race, safe to retry
//	codes.AlreadyExists     seed requested twice
//	codes.NotFound          unknown campaign
package graceful

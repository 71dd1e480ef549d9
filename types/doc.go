// Package types provides shared types and error definitions for cqlwire.
//
// This is a leaf package with zero cqlwire imports to prevent import cycles.
// All packages in cqlwire can safely import this package.
//
// # Consistency
//
// Consistency levels are encoded on the wire as 16-bit codes:
//
//	const (
//	    Any         Consistency = 0x00
//	    One         Consistency = 0x01
//	    Quorum      Consistency = 0x04
//	    LocalQuorum Consistency = 0x06
//	    LocalOne    Consistency = 0x0A
//	)
//
// # Errors
//
// Server errors decode into typed errors (UnavailableError, ReadTimeoutError,
// WriteTimeoutError, QueryValidationError, ...). Transport failures surface as
// ConnectionClosedError and ProtocolError. When every host of a query plan
// failed, NoHostAvailableError aggregates the per-host errors:
//
//	_, err := session.Execute(ctx, stmt)
//	var nhe *types.NoHostAvailableError
//	if errors.As(err, &nhe) {
//	    for host, hostErr := range nhe.Errors {
//	        log.Printf("%s: %v", host, hostErr)
//	    }
//	}
package types

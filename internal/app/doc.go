// Package app wires the license gate server together and manages its
// lifecycle.
//
// # Initialization Flow
//
//	1. Load configuration from the YAML file and LRAG_* environment
//	2. Initialize logging and OpenTelemetry
//	3. Load the verification key and open the usage ledger
//	4. Build the validator with its cache, metrics and usage stream
//	5. Mount the HTTP routes and the license gate in front of the host
//
// # Usage
//
//	application, err := app.NewApplication("")
//	if err != nil {
//	    return err
//	}
//	return application.Run(ctx)
//
// Run blocks until ctx is cancelled, then drains the HTTP server, closes
// websocket clients, flushes metrics and closes the ledger. The package never
// calls os.Exit.
package app

package web

import "os"

// osExit is a seam over os.Exit so tests can intercept process
// termination triggered by /internal/exit.
var osExit = os.Exit

package assert

import "time"

// timeout is the default time the chan helpers wait for.
var timeout = 10 * time.Second

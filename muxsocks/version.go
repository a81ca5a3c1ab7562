package muxsocks

import (
	"fmt"
	"runtime"
)

// Version is the current MuxSocks release, overridable at link time.
var Version = "dev"

// Platform describes the build target.
var Platform = fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH)

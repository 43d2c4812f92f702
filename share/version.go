package drshare

// BuildVersion is the version string reported by /version and the version command.
// It is overridden at link time with -ldflags "-X github.com/sammck-go/devrelay/share.BuildVersion=..."
var BuildVersion = "0.0.0-src"

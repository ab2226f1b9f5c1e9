package internal

// Version is the build version string, overridden at build time with
// -ldflags "-X github.com/opencustody/signer-node/internal.Version=v1.2.3".
var Version = "dev"

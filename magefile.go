//go:build mage
// +build mage

package main

import (
	"context"
	"fmt"
	"go/build"
	"os"

	"github.com/livekit/mageutil"
)

var Default = Build

const (
	imageName = "livekit/softphone"
)

func Build() error {
	gopath := os.Getenv("GOPATH")
	if gopath == "" {
		gopath = build.Default.GOPATH
	}

	return mageutil.Run(context.Background(),
		fmt.Sprintf("go build -o %s/bin/softphone ./cmd/softphone", gopath),
	)
}

func Test() error {
	return mageutil.Run(context.Background(), "go test -race ./pkg/...")
}

func BuildDocker() error {
	return mageutil.Run(context.Background(),
		fmt.Sprintf("docker build -t %s:latest -f build/softphone/Dockerfile .", imageName),
	)
}

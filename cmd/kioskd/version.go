package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "打印版本信息",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(os.Stdout, "kioskd %s\n", Version)
			fmt.Fprintf(os.Stdout, "构建时间: %s\n", BuildTime)
			fmt.Fprintf(os.Stdout, "Git提交: %s\n", GitCommit)
			fmt.Fprintf(os.Stdout, "Go版本: %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}

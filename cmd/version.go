package cmd

import (
	"runtime"

	"github.com/spf13/cobra"
)

// version はビルド時に -ldflags "-X rensha/cmd.version=..." で埋め込む
var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "バージョンを表示する",
	// 設定の読み込みは不要
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("rensha %s (%s %s/%s)\n", version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

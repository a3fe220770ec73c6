// Package cmd はrenshaのコマンドラインの実装です
package cmd

import (
	"fmt"

	"rensha/internal/config"
	"rensha/internal/logging"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// runtimeEnv はサブコマンドが共有する設定とロガー
type runtimeEnv struct {
	viper  *viper.Viper
	config *config.Config
	logger *zap.Logger
}

var env runtimeEnv

var rootCmd = &cobra.Command{
	Use:   "rensha",
	Short: "カメラのバッファとリクエストを管理する連続撮影ツール",
	Long: `rensha はカメラのフレームバッファとキャプチャリクエストの
ライフサイクルを管理し、プレビュー・動画記録・フレーム情報の配信を行います。`,
	SilenceUsage:      true,
	PersistentPreRunE: loadEnv,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if env.logger != nil {
			_ = env.logger.Sync()
		}
	},
}

// Execute はルートコマンドを実行する
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "設定ファイル (デフォルト: ./rensha.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "ログレベル (debug, info, warn, error)")

	rootCmd.AddCommand(runCmd, vidCmd, versionCmd)
}

// loadEnv は設定ファイル・環境変数・フラグから設定を読み込み、ロガーを作る
func loadEnv(cmd *cobra.Command, args []string) error {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	v, err := config.New(path)
	if err != nil {
		return err
	}
	if err := bindFlags(v, cmd); err != nil {
		return err
	}

	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}

	env = runtimeEnv{viper: v, config: cfg, logger: logger}
	if used := v.ConfigFileUsed(); used != "" {
		logger.Info("設定ファイルを読み込みました", zap.String("file", used))
	}
	return nil
}

// flagKeys はフラグ名と設定キーの対応
var flagKeys = map[string]string{
	"log-level": "logging.level",
	"timeout":   "timeout",
	"mode":      "camera.mode",
	"width":     "camera.width",
	"height":    "camera.height",
	"framerate": "camera.framerate",
	"port":      "server.port",
	"output":    "encoder.output",
	"codec":     "encoder.codec",
	"bitrate":   "encoder.bitrate",
}

// bindFlags はコマンドに存在するフラグだけを設定キーに結びつける
func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	for name, key := range flagKeys {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("フラグ %s の設定に失敗: %w", name, err)
		}
	}
	return nil
}

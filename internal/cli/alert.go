package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"c4e-agent/internal/app"
)

var (
	alertSpikeHour int
	alertPrice     float64
)

var alertTestCmd = &cobra.Command{
	Use:   "alert-test",
	Short: "模拟一次电价尖峰并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if alertSpikeHour > 23 {
			return errors.New("--spike-hour 必须在 0-23 之间")
		}

		opts := app.AlertTestOptions{
			SpikeHour: alertSpikeHour,
			Price:     alertPrice,
		}
		return getApp().AlertTest(cmd.Context(), opts)
	},
}

func init() {
	alertTestCmd.Flags().IntVar(&alertSpikeHour, "spike-hour", -1, "尖峰小时 (默认取当前小时 +2)")
	alertTestCmd.Flags().Float64Var(&alertPrice, "price", 0, "尖峰购电价 (默认 1.5)")
}

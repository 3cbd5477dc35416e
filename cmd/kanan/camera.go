package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/MrWong99/kanan/internal/config"
	"github.com/MrWong99/kanan/pkg/provider/camera"
)

func newCameraCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "camera",
		Short: "Inspect capture devices",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "probe",
		Short: "Try every device index and report which ones deliver frames",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			reg := config.NewRegistry()
			registerBuiltinProviders(reg, cfg)
			opener, err := create("camera", cfg.Providers.Camera, true, reg.CreateCamera)
			if err != nil {
				return err
			}
			found := probeCameras(cmd.OutOrStdout(), opener, cfg.Camera.MaxIndex)
			if found == 0 {
				return fmt.Errorf("no working camera in indices 0..%d", cfg.Camera.MaxIndex)
			}
			return nil
		},
	})
	return cmd
}

// probeCameras opens indices 0..maxIndex in turn, reads one frame from each
// and prints the result. It returns the number of working devices.
func probeCameras(w io.Writer, opener camera.Opener, maxIndex int) int {
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tSTATUS\tRESOLUTION")
	found := 0
	for i := 0; i <= maxIndex; i++ {
		dev, err := opener.Open(i)
		if err != nil {
			fmt.Fprintf(tw, "%d\tunavailable\t-\n", i)
			continue
		}
		img, err := dev.Read()
		_ = dev.Close()
		if err != nil || img == nil {
			fmt.Fprintf(tw, "%d\tno frames\t-\n", i)
			continue
		}
		found++
		b := img.Bounds()
		fmt.Fprintf(tw, "%d\tok\t%dx%d\n", i, b.Dx(), b.Dy())
	}
	_ = tw.Flush()
	return found
}

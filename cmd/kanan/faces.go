package main

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/MrWong99/kanan/internal/config"
	"github.com/MrWong99/kanan/internal/faces"
	"github.com/MrWong99/kanan/pkg/provider/face"
)

func newFacesCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "faces",
		Short: "Manage the known faces directory",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "Encode the faces directory and list the subjects found",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withFaceDB(cmd.Context(), opts.configPath, false, func(db *faces.Database) error {
					return listFaces(cmd.OutOrStdout(), db)
				})
			},
		},
		&cobra.Command{
			Use:   "rebuild",
			Short: "Re-encode every image in the faces directory",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withFaceDB(cmd.Context(), opts.configPath, true, func(db *faces.Database) error {
					fmt.Fprintf(cmd.OutOrStdout(), "%d subjects loaded from %s\n", db.Snapshot().Len(), db.Dir())
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "add NAME IMAGE",
			Short: "Copy an image into the faces directory under NAME",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withFaceDB(cmd.Context(), opts.configPath, false, func(db *faces.Database) error {
					return addFace(cmd.OutOrStdout(), db, args[0], args[1])
				})
			},
		},
	)
	return cmd
}

// withFaceDB opens the configured encoder, builds the database and calls fn.
// With progress set a progress bar is drawn on stderr while encoding.
func withFaceDB(ctx context.Context, configPath string, progress bool, fn func(*faces.Database) error) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg)
	enc, err := create("encoder", cfg.Providers.Encoder, true, reg.CreateEncoder)
	if err != nil {
		return err
	}
	defer enc.Close()

	db := newFaceDB(cfg, enc, progress)
	if _, err := db.Reload(ctx); err != nil {
		return err
	}
	return fn(db)
}

func newFaceDB(cfg *config.Config, enc face.Encoder, progress bool) *faces.Database {
	opts := []faces.Option{faces.WithConcurrency(cfg.Faces.Concurrency)}
	if progress {
		bar := progressbar.NewOptions(-1,
			progressbar.OptionSetDescription("encoding faces"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionThrottle(50*time.Millisecond),
			progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stderr) }),
		)
		opts = append(opts, faces.WithProgress(func(done, total int) {
			bar.ChangeMax(total)
			_ = bar.Set(done)
		}))
	}
	return faces.NewDatabase(cfg.Faces.Dir, enc, opts...)
}

func listFaces(w io.Writer, db *faces.Database) error {
	snap := db.Snapshot()
	if snap.Len() == 0 {
		fmt.Fprintf(w, "No known subjects in %s.\n", db.Dir())
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "#\tNAME")
	fmt.Fprintln(tw, "-\t----")
	for i, name := range snap.Names() {
		fmt.Fprintf(tw, "%d\t%s\n", i+1, name)
	}
	return tw.Flush()
}

// addFace decodes path, stores it as name and rebuilds so the new subject is
// verified to contain a face.
func addFace(w io.Writer, db *faces.Database, name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	img, _, err := image.Decode(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("decode %q: %w", path, err)
	}

	file, err := db.Save(name, img)
	if err != nil {
		return err
	}
	before := db.Snapshot().Len()
	n, err := db.Reload(context.Background())
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Saved %s; %d subjects known\n", file, n)
	if n <= before {
		fmt.Fprintln(w, "warning: no new subject was added; the image may not contain a face")
	}
	return nil
}

package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gunshikin/kanri/internal/imaging"
)

// CompressResult describes one compressed file.
type CompressResult struct {
	Input          string `json:"input"`
	Output         string `json:"output"`
	SourceFormat   string `json:"source_format"`
	SourceWidth    int    `json:"source_width"`
	SourceHeight   int    `json:"source_height"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	OriginalBytes  int    `json:"original_bytes"`
	CompressedSize int    `json:"compressed_bytes"`
}

func newCompressCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		maxDimension int
		quality      float64
		as           string
	)

	cmd := &cobra.Command{
		Use:   "compress <in> <out>",
		Short: "Downscale and re-encode an image the way uploads are",
		Long: `Compress an image with the same pipeline the server applies to receipt
and fridge photos. Unset flags fall back to the images section of the config.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			opts := cfg.Images
			if cmd.Flags().Changed("max-dimension") {
				opts.MaxDimension = maxDimension
			}
			if cmd.Flags().Changed("quality") {
				opts.Quality = quality
			}
			if as != "" {
				opts.Format = imaging.Format(strings.ToLower(as))
			} else if strings.EqualFold(filepath.Ext(args[1]), ".png") {
				opts.Format = imaging.FormatPNG
			}
			if opts.Format != imaging.FormatJPEG && opts.Format != imaging.FormatPNG {
				return fmt.Errorf("unsupported output format %q", opts.Format)
			}

			res, err := compressFile(args[0], args[1], opts)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), rootOpts.Format, res, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s: %dx%d %s -> %dx%d %s, %d -> %d bytes\n",
					res.Output, res.SourceWidth, res.SourceHeight, res.SourceFormat,
					res.Width, res.Height, opts.Format, res.OriginalBytes, res.CompressedSize)
				return err
			})
		},
	}

	cmd.Flags().IntVar(&maxDimension, "max-dimension", 0, "longest side in pixels")
	cmd.Flags().Float64Var(&quality, "quality", 0, "JPEG quality, 0..1")
	cmd.Flags().StringVar(&as, "as", "", "output encoding (jpeg|png); defaults from the output extension")

	return cmd
}

func compressFile(in, out string, opts imaging.Options) (CompressResult, error) {
	data, err := os.ReadFile(in)
	if err != nil {
		return CompressResult{}, err
	}
	res, err := imaging.Compress(data, opts)
	if err != nil {
		return CompressResult{}, fmt.Errorf("%s: %w", in, err)
	}
	if err := os.WriteFile(out, res.Data, 0o644); err != nil {
		return CompressResult{}, err
	}
	return CompressResult{
		Input:          in,
		Output:         out,
		SourceFormat:   res.SourceFormat,
		SourceWidth:    res.SourceWidth,
		SourceHeight:   res.SourceHeight,
		Width:          res.Width,
		Height:         res.Height,
		OriginalBytes:  len(data),
		CompressedSize: len(res.Data),
	}, nil
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"motion/internal/client"
	"motion/internal/constants"
	"motion/internal/logger"
)

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func usage() {
	fmt.Println()
	fmt.Printf("  %s%s%s%s %sv%s%s\n", constants.ColorBold, constants.ColorCyan, constants.AppName, constants.ColorReset, constants.ColorBold, constants.Version, constants.ColorReset)
	fmt.Println()
	fmt.Printf("  %sUsage:%s\n", constants.ColorBold, constants.ColorReset)
	fmt.Printf("    motion-client probe %s-frames <dir>%s [-fps 15] [-n 0] [-inband]\n", constants.ColorCyan, constants.ColorReset)
	fmt.Printf("    motion-client upload %s-project <id>%s <archive.zip|archive.rar>\n", constants.ColorCyan, constants.ColorReset)
	fmt.Printf("    motion-client manifest %s-project <id>%s\n", constants.ColorCyan, constants.ColorReset)
	fmt.Println()
	fmt.Printf("  %sServer:%s %s (override with %s or -server)\n", constants.ColorBold, constants.ColorReset, constants.DefaultServerURL, constants.EnvServerURL)
	fmt.Println()
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := client.NewPrinter(os.Stdout)
	var err error
	switch os.Args[1] {
	case "probe":
		err = runProbe(ctx, out, os.Args[2:])
	case "upload":
		err = runUpload(ctx, out, os.Args[2:])
	case "manifest":
		err = runManifest(ctx, out, os.Args[2:])
	case "-version", "--version", "version":
		fmt.Printf("%s v%s\n", constants.AppName, constants.Version)
	default:
		usage()
		os.Exit(1)
	}

	if err != nil {
		out.Error(err)
		os.Exit(1)
	}
}

func serverFlag(fs *flag.FlagSet) *string {
	return fs.String("server", getEnv(constants.EnvServerURL, constants.DefaultServerURL), "relay server URL")
}

func runProbe(ctx context.Context, out *client.Printer, args []string) error {
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	server := serverFlag(fs)
	dir := fs.String("frames", "", "directory of JPEG frames")
	fps := fs.Int("fps", constants.DefaultProbeFPS, "frames per second")
	quality := fs.Float64("quality", constants.DefaultProbeQuality, "JPEG quality reported in the frame header")
	n := fs.Int("n", 0, "stop after this many frames (0 = until ctrl+c)")
	inband := fs.Bool("inband", false, "send the token as the first message instead of in the URL")
	quiet := fs.Bool("q", false, "only print the summary")
	verbose := fs.Bool("v", false, "debug logging")
	fs.Parse(args)

	if *dir == "" {
		return errors.New("-frames is required")
	}
	frames, err := client.LoadFrames(*dir)
	if err != nil {
		return err
	}

	level := "warn"
	if *verbose {
		level = "debug"
	}
	log, err := logger.New(level, "console")
	if err != nil {
		return err
	}
	defer log.Sync()

	api := client.NewAPI(*server)
	opts := client.ProbeOptions{
		FPS:         *fps,
		Quality:     *quality,
		MaxFrames:   *n,
		InBandToken: *inband,
		Logger:      log,
	}
	if !*quiet {
		opts.OnResult = out.Result
	}

	out.Banner()
	out.Field("server", api.BaseURL, constants.ColorCyan)
	out.Field("frames", fmt.Sprintf("%d from %s", len(frames), *dir), constants.ColorReset)
	out.Field("rate", fmt.Sprintf("%d fps", *fps), constants.ColorReset)
	out.Sep()
	out.Hint("ctrl+c to stop")

	sum, err := client.NewProbe(api, frames, opts).Run(ctx)
	if err != nil {
		return err
	}
	out.Summary(sum)
	return nil
}

func runUpload(ctx context.Context, out *client.Printer, args []string) error {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	server := serverFlag(fs)
	projectID := fs.String("project", "", "project id")
	fs.Parse(args)

	if *projectID == "" || fs.NArg() != 1 {
		return errors.New("usage: upload -project <id> <archive>")
	}

	resp, err := client.NewAPI(*server).Upload(ctx, *projectID, fs.Arg(0))
	if err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) {
			for _, d := range apiErr.Body.Details {
				out.Field("missing", d, constants.ColorRed)
			}
		}
		return err
	}

	fmt.Printf("\n  %s%s● model committed%s\n\n", constants.ColorBold, constants.ColorGreen, constants.ColorReset)
	out.Models(resp.ModelPath, resp.ModelList)
	fmt.Println()
	return nil
}

func runManifest(ctx context.Context, out *client.Printer, args []string) error {
	fs := flag.NewFlagSet("manifest", flag.ExitOnError)
	server := serverFlag(fs)
	projectID := fs.String("project", "", "project id")
	fs.Parse(args)

	if *projectID == "" {
		return errors.New("-project is required")
	}

	m, err := client.NewAPI(*server).Manifest(ctx, *projectID)
	if err != nil {
		return err
	}

	fmt.Println()
	out.Models(m.ModelURL, m.ModelList)
	out.Field("updated", m.UpdatedAt, constants.ColorReset)
	fmt.Println()
	return nil
}

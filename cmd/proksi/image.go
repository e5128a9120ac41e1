package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/proksi/proksi/pkg/image"
)

func newImageCommand() *cobra.Command {
	imageCmd := &cobra.Command{
		Use:   "image",
		Short: "Render, build and verify the proksi container image",
	}

	imageCmd.AddCommand(&cobra.Command{
		Use:   "dockerfile",
		Short: "write the Dockerfile of the release image to stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := image.Render(image.DefaultRecipe())
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})

	build := &cobra.Command{
		Use:   "build",
		Short: "build the release image with a prebuilt proksi binary",
	}
	flags := build.Flags()
	binary := flags.String("binary", "", "path to the proksi binary to package")
	tag := flags.StringP("tag", "t", "proksi:latest", "tag of the built image")
	base := flags.String("base", "", "override the base image")
	verify := flags.Bool("verify", false, "check the built image against the recipe")
	_ = build.MarkFlagRequired("binary")

	build.RunE = func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		r := image.DefaultRecipe()
		if *base != "" {
			r.BaseImage = *base
		}
		engine, err := image.NewEngine()
		if err != nil {
			return err
		}
		defer engine.Close()

		b := image.NewBuilder(engine, log)
		b.Progress = cmd.ErrOrStderr()
		id, err := b.Build(ctx, r, *tag, *binary)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		if !*verify {
			return nil
		}
		report, err := b.Verify(ctx, r, id)
		if err != nil {
			return err
		}
		for _, p := range report.Problems {
			log.Error().Str("id", id).Msg(p)
		}
		if !report.OK() {
			return fmt.Errorf("image %s does not match the recipe", id)
		}
		log.Info().Str("id", id).Msg("image matches the recipe")
		return nil
	}
	imageCmd.AddCommand(build)
	return imageCmd
}

// Package config loads archstate's configuration and state files.
//
// # Components
//
// Config: the YAML configuration at /etc/archstate/config.yaml, validated with
// struct tags. It names the build user, the file roots behind froyo:// sources,
// the cache and store locations, and the s3, sftp, signing, policy and telemetry
// settings.
//
// StateFileParser: parses YAML state files into engine.StateDecl values in file
// order. Files are checked against an embedded CUE schema before decoding so
// that malformed states fail before anything runs.
//
// SchemaRegistry: compiles CUE schemas and validates decoded data against a
// named definition. The built-in schemas cover state files and the entries of
// appimage.installed's pkgs list.
//
// StarlarkEvaluator: runs template context scripts with a timeout. The script's
// exported globals become template variables. Besides the Starlark universe,
// scripts get struct, arch() (the pacman architecture name) and
// split_version("1:2.0-3").
//
// # Usage Example
//
//	cfg, err := config.Load(config.DefaultPath)
//	if err != nil {
//	    return err
//	}
//
//	decls, err := config.NewStateFileParser().ParseFile(ctx, "desktop.yaml")
//	if err != nil {
//	    return err
//	}
package config

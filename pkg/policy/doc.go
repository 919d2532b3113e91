// Package policy gates state files with Open Policy Agent (OPA) Rego
// policies before they are applied.
//
// Every policy is a Rego module whose package defines a deny set. Entries
// are either message strings or objects:
//
//	deny contains {"message": "...", "state": "<state id>", "severity": "warning"} if { ... }
//
// The input document carries the state declarations and the run context:
//
//	{
//	  "states": [{"id": "obsidian", "function": "appimage.installed",
//	              "name": "obsidian", "args": {...}, "require": []}],
//	  "context": {"user": "root", "build_user": "builder",
//	              "hostname": "arch", "test": false, "timestamp": "..."}
//	}
//
// Violations with severity error or critical deny the run. Everything else
// is reported as a warning.
//
// # Built-in policies
//
//   - plain-http-sources: sources, signatures and patches must not use http://
//   - appimage-integrity: remote AppImages should carry a checksum or signature
//   - absolute-target-dir: AppImage target_dir must be absolute
//   - makepkg-check: warns when check() is disabled
//   - trusted-hosts: remote hosts must be listed in data.archstate.trusted_hosts,
//     when that list is set with WithData
//
// # Usage
//
//	eng, err := policy.NewEngine(logger, policy.WithData(map[string]interface{}{
//	    "trusted_hosts": []interface{}{"github.com"},
//	}))
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
//	    return err
//	}
//	applier := engine.NewApplier(registry, logger,
//	    engine.WithPolicyGate(policy.NewGate(eng, policy.PolicyContext{User: "root"})))
//
// Policy files are loaded by Loader: .rego files are named after the file and
// default to warning severity unless their header carries "# severity: error".
// .json files hold a single Policy or a PolicyBundle. Loader.Watch reloads
// them on change, typically into Engine.ReplacePolicies.
package policy

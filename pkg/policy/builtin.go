package policy

// sourcesRule collects {state, source, kind} for every remote-capable source
// referenced by a state: AppImage sources and signatures, per-package
// AppImage sources, PKGBUILD sources and patches.
const sourcesRule = `
sources contains {"state": state.id, "source": src, "kind": "source"} if {
	some state in input.states
	startswith(state.function, "appimage.")
	src := state.args.source
	is_string(src)
}

sources contains {"state": state.id, "source": src, "kind": "signature"} if {
	some state in input.states
	state.function == "appimage.installed"
	src := state.args.signature
	is_string(src)
}

sources contains {"state": state.id, "source": src, "kind": "source"} if {
	some state in input.states
	state.function == "appimage.installed"
	some pkg in state.args.pkgs
	some _, entry in pkg
	src := entry.source
	is_string(src)
}

sources contains {"state": state.id, "source": src, "kind": "source"} if {
	some state in input.states
	state.function == "makepkg.installed"
	src := state.args.source
	is_string(src)
}

sources contains {"state": state.id, "source": src, "kind": "patch"} if {
	some state in input.states
	state.function == "makepkg.installed"
	some src in state.args.patches
	is_string(src)
}
`

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		plainHTTPPolicy(),
		appImageIntegrityPolicy(),
		targetDirPolicy(),
		makepkgCheckPolicy(),
		trustedHostsPolicy(),
	}
}

// plainHTTPPolicy denies sources fetched without TLS.
func plainHTTPPolicy() Policy {
	return Policy{
		Name:        "plain-http-sources",
		Description: "Denies AppImages, signatures, PKGBUILDs and patches fetched over plain http",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"sources", "transport"},
		Rego: `package archstate.policies.plain_http

import rego.v1
` + sourcesRule + `
deny contains violation if {
	some s in sources
	startswith(lower(s.source), "http://")
	violation := {
		"message": sprintf("%s %s is fetched over plain http", [s.kind, s.source]),
		"state": s.state,
	}
}`,
	}
}

// appImageIntegrityPolicy warns about remote AppImages installed without a
// checksum or signature.
func appImageIntegrityPolicy() Policy {
	return Policy{
		Name:        "appimage-integrity",
		Description: "Warns when a remote AppImage has neither a checksum nor a signature",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"appimage", "integrity"},
		Rego: `package archstate.policies.appimage_integrity

import rego.v1

remote_prefixes := ["http://", "https://", "s3://", "sftp://"]

remote(src) if {
	some prefix in remote_prefixes
	startswith(lower(src), prefix)
}

unverified(entry) if {
	object.get(entry, "checksum", "") == ""
	object.get(entry, "signature", "") == ""
}

deny contains violation if {
	some state in input.states
	state.function == "appimage.installed"
	remote(state.args.source)
	unverified(state.args)
	violation := {
		"message": sprintf("AppImage %s is downloaded without a checksum or signature", [state.args.source]),
		"state": state.id,
	}
}

deny contains violation if {
	some state in input.states
	state.function == "appimage.installed"
	some pkg in state.args.pkgs
	some name, entry in pkg
	remote(entry.source)
	unverified(entry)
	violation := {
		"message": sprintf("AppImage %s (%s) is downloaded without a checksum or signature", [name, entry.source]),
		"state": state.id,
	}
}`,
	}
}

// targetDirPolicy requires absolute AppImage target directories.
func targetDirPolicy() Policy {
	return Policy{
		Name:        "absolute-target-dir",
		Description: "Requires AppImage target_dir to be an absolute path",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"appimage", "paths"},
		Rego: `package archstate.policies.target_dir

import rego.v1

target_dirs contains {"state": state.id, "dir": dir} if {
	some state in input.states
	startswith(state.function, "appimage.")
	dir := state.args.target_dir
}

target_dirs contains {"state": state.id, "dir": dir} if {
	some state in input.states
	state.function == "appimage.installed"
	some pkg in state.args.pkgs
	some _, entry in pkg
	dir := entry.target_dir
}

deny contains violation if {
	some t in target_dirs
	not absolute(t.dir)
	violation := {
		"message": sprintf("target_dir %v must be an absolute path", [t.dir]),
		"state": t.state,
	}
}

absolute(dir) if {
	is_string(dir)
	startswith(dir, "/")
}`,
	}
}

// makepkgCheckPolicy warns when a package is built without running check().
func makepkgCheckPolicy() Policy {
	return Policy{
		Name:        "makepkg-check",
		Description: "Warns when makepkg.installed disables the PKGBUILD check() function",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"makepkg"},
		Rego: `package archstate.policies.makepkg_check

import rego.v1

deny contains violation if {
	some state in input.states
	state.function == "makepkg.installed"
	state.args.check == false
	violation := {
		"message": sprintf("%s is built with check() disabled", [state.name]),
		"state": state.id,
	}
}`,
	}
}

// trustedHostsPolicy restricts remote sources to data.archstate.trusted_hosts
// when that list is configured.
func trustedHostsPolicy() Policy {
	return Policy{
		Name:        "trusted-hosts",
		Description: "Denies remote sources whose host is not in the trusted_hosts list",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"sources", "supply-chain"},
		Rego: `package archstate.policies.trusted_hosts

import rego.v1
` + sourcesRule + `
host(src) := h if {
	m := regex.find_all_string_submatch_n("^[a-zA-Z0-9+.-]+://([^/:@]+@)?([^/:?#]+)", src, 1)
	h := lower(m[0][2])
}

deny contains violation if {
	trusted := data.archstate.trusted_hosts
	count(trusted) > 0
	some s in sources
	not startswith(s.source, "froyo://")
	not startswith(s.source, "file://")
	h := host(s.source)
	not h in trusted
	violation := {
		"message": sprintf("%s host %s is not trusted", [s.kind, h]),
		"state": s.state,
	}
}`,
	}
}

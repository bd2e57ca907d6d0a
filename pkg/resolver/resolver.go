// Package resolver turns plan and artifact references into local paths.
//
// A reference is a local path, a git repository written as
// git::<url>//<subpath>?ref=<branch or tag>, or an OCI reference to a bundle
// pushed with chainctl artifacts push.
package resolver

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/davidthor/chainctl/pkg/oci"
)

// Resolver resolves references to local paths.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (Resolved, error)
}

// Resolved is a reference materialized on the local filesystem.
type Resolved struct {
	// Reference is the original reference
	Reference string

	Type ReferenceType

	// Path is a file or directory
	Path string

	// Version is the git ref or OCI tag, when known
	Version string

	// Digest is the OCI manifest digest
	Digest string

	Metadata map[string]string
}

// ReferenceType indicates the type of reference.
type ReferenceType string

const (
	ReferenceTypeLocal ReferenceType = "local"
	ReferenceTypeOCI   ReferenceType = "oci"
	ReferenceTypeGit   ReferenceType = "git"
)

// Options configures the resolver.
type Options struct {
	// CacheDir holds cloned repositories and pulled bundles
	CacheDir string

	// AllowRemote allows git and OCI references
	AllowRemote bool

	OCIClient *oci.Client
}

type resolver struct {
	ociClient   *oci.Client
	cacheDir    string
	allowRemote bool
}

// NewResolver creates a new resolver.
func NewResolver(opts Options) Resolver {
	cacheDir := opts.CacheDir
	if cacheDir == "" {
		homeDir, _ := os.UserHomeDir()
		cacheDir = filepath.Join(homeDir, ".chainctl", "cache")
	}
	client := opts.OCIClient
	if client == nil {
		client = oci.NewClient()
	}
	return &resolver{
		ociClient:   client,
		cacheDir:    cacheDir,
		allowRemote: opts.AllowRemote,
	}
}

func (r *resolver) Resolve(ctx context.Context, ref string) (Resolved, error) {
	if ref == "" {
		return Resolved{}, fmt.Errorf("empty reference")
	}
	switch DetectReferenceType(ref) {
	case ReferenceTypeGit:
		return r.resolveGit(ctx, ref)
	case ReferenceTypeOCI:
		return r.resolveOCI(ctx, ref)
	default:
		return r.resolveLocal(ref)
	}
}

func (r *resolver) resolveLocal(ref string) (Resolved, error) {
	absPath, err := filepath.Abs(ref)
	if err != nil {
		return Resolved{}, fmt.Errorf("failed to resolve path: %w", err)
	}
	if _, err := os.Stat(absPath); err != nil {
		return Resolved{}, fmt.Errorf("path not found: %w", err)
	}
	return Resolved{
		Reference: ref,
		Type:      ReferenceTypeLocal,
		Path:      absPath,
		Metadata:  map[string]string{},
	}, nil
}

func (r *resolver) resolveOCI(ctx context.Context, ref string) (Resolved, error) {
	if !r.allowRemote {
		return Resolved{}, fmt.Errorf("remote references not allowed: %s", ref)
	}

	bundleDir := filepath.Join(r.cacheDir, "oci", cacheKey(ref))
	digestFile := filepath.Join(bundleDir, ".digest")
	resolved := Resolved{
		Reference: ref,
		Type:      ReferenceTypeOCI,
		Path:      bundleDir,
		Version:   ociTag(ref),
		Metadata:  map[string]string{},
	}

	cached, _ := os.ReadFile(digestFile)
	remote, err := r.ociClient.Digest(ctx, ref)
	if err != nil {
		if len(cached) == 0 {
			return Resolved{}, fmt.Errorf("failed to resolve %s: %w", ref, err)
		}
		// Registry unreachable; the cached copy is still usable.
		resolved.Digest = string(cached)
		resolved.Metadata["cached"] = "true"
		return resolved, nil
	}
	if string(cached) == remote {
		resolved.Digest = remote
		resolved.Metadata["cached"] = "true"
		return resolved, nil
	}

	if err := os.RemoveAll(bundleDir); err != nil {
		return Resolved{}, fmt.Errorf("failed to clear cache: %w", err)
	}
	pulled, err := r.ociClient.Pull(ctx, ref, bundleDir)
	if err != nil {
		return Resolved{}, fmt.Errorf("failed to pull %s: %w", ref, err)
	}
	if err := os.WriteFile(digestFile, []byte(pulled.Digest), 0644); err != nil {
		return Resolved{}, fmt.Errorf("failed to record digest: %w", err)
	}

	resolved.Digest = pulled.Digest
	resolved.Metadata["type"] = string(pulled.Config.Type)
	return resolved, nil
}

// GitReference is a parsed git:: reference.
type GitReference struct {
	URL     string
	SubPath string
	Ref     string
}

// ParseGitReference parses git::<url>[//<subpath>][?ref=<ref>].
func ParseGitReference(ref string) (GitReference, error) {
	rest, ok := strings.CutPrefix(ref, "git::")
	if !ok || rest == "" {
		return GitReference{}, fmt.Errorf("invalid git reference %q", ref)
	}

	var g GitReference
	if idx := strings.Index(rest, "?"); idx != -1 {
		query, err := url.ParseQuery(rest[idx+1:])
		if err != nil {
			return GitReference{}, fmt.Errorf("invalid git reference %q: %w", ref, err)
		}
		g.Ref = query.Get("ref")
		rest = rest[:idx]
	}

	// The subpath separator is the first "//" after the scheme.
	searchFrom := 0
	if idx := strings.Index(rest, "://"); idx != -1 {
		searchFrom = idx + 3
	}
	if idx := strings.Index(rest[searchFrom:], "//"); idx != -1 {
		g.SubPath = strings.Trim(rest[searchFrom+idx+2:], "/")
		rest = rest[:searchFrom+idx]
	}
	g.URL = rest
	if g.URL == "" {
		return GitReference{}, fmt.Errorf("invalid git reference %q: no repository", ref)
	}
	return g, nil
}

func (r *resolver) resolveGit(ctx context.Context, ref string) (Resolved, error) {
	if !r.allowRemote {
		return Resolved{}, fmt.Errorf("remote references not allowed: %s", ref)
	}
	g, err := ParseGitReference(ref)
	if err != nil {
		return Resolved{}, err
	}

	version := g.Ref
	if version == "" {
		version = "HEAD"
	}
	repoDir := filepath.Join(r.cacheDir, "git", cacheKey(g.URL), cacheKey(version))

	if _, err := os.Stat(repoDir); os.IsNotExist(err) {
		if err := gitClone(ctx, g.URL, g.Ref, repoDir); err != nil {
			os.RemoveAll(repoDir)
			return Resolved{}, fmt.Errorf("failed to clone repository: %w", err)
		}
	}

	path := repoDir
	if g.SubPath != "" {
		path = filepath.Join(repoDir, filepath.FromSlash(g.SubPath))
	}
	if _, err := os.Stat(path); err != nil {
		return Resolved{}, fmt.Errorf("%s not found in %s", g.SubPath, g.URL)
	}

	return Resolved{
		Reference: ref,
		Type:      ReferenceTypeGit,
		Path:      path,
		Version:   version,
		Metadata: map[string]string{
			"repository": g.URL,
			"subpath":    g.SubPath,
		},
	}, nil
}

// gitClone makes a shallow clone of ref, tried as a branch and then as a
// tag. An empty ref clones the remote HEAD.
func gitClone(ctx context.Context, url, ref, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}

	cloneOpts := &git.CloneOptions{
		URL:          url,
		Depth:        1,
		SingleBranch: true,
	}
	if ref == "" {
		_, err := git.PlainCloneContext(ctx, dest, false, cloneOpts)
		return err
	}

	cloneOpts.ReferenceName = plumbing.NewBranchReferenceName(ref)
	if _, err := git.PlainCloneContext(ctx, dest, false, cloneOpts); err == nil {
		return nil
	}
	os.RemoveAll(dest)

	cloneOpts.ReferenceName = plumbing.NewTagReferenceName(ref)
	if _, err := git.PlainCloneContext(ctx, dest, false, cloneOpts); err != nil {
		return fmt.Errorf("git clone of %s at %s failed: %w", url, ref, err)
	}
	return nil
}

// DetectReferenceType determines the type of a reference. Anything that is
// not a git reference, an explicit path, a plan or artifact file name, or an
// existing path is treated as an OCI reference.
func DetectReferenceType(ref string) ReferenceType {
	if strings.HasPrefix(ref, "git::") {
		return ReferenceTypeGit
	}
	if strings.HasPrefix(ref, "./") || strings.HasPrefix(ref, "../") || filepath.IsAbs(ref) || ref == "." {
		return ReferenceTypeLocal
	}
	switch strings.ToLower(filepath.Ext(ref)) {
	case ".yml", ".yaml", ".hcl", ".json":
		return ReferenceTypeLocal
	}
	if _, err := os.Stat(ref); err == nil {
		return ReferenceTypeLocal
	}
	return ReferenceTypeOCI
}

func cacheKey(s string) string {
	return strings.NewReplacer("/", "_", ":", "_", "@", "_", ".", "_").Replace(s)
}

func ociTag(ref string) string {
	if idx := strings.Index(ref, "@"); idx != -1 {
		ref = ref[:idx]
	}
	if idx := strings.LastIndex(ref, ":"); idx != -1 && !strings.Contains(ref[idx+1:], "/") {
		return ref[idx+1:]
	}
	return "latest"
}

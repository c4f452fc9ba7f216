//go:build linux

package engine

import "testing"

func TestResolveHostPath(t *testing.T) {
	t.Parallel()

	spec := RunSpec{BindMounts: []MountSpec{
		{Source: "/var/lib/judge/ws-1", Target: "/work"},
		{Source: "/var/lib/judge/ws-1/nested", Target: "/work/nested"},
	}}

	tests := []struct {
		name string
		path string
		want string
	}{
		{
			name: "inside mount",
			path: "/work/output.txt",
			want: "/var/lib/judge/ws-1/output.txt",
		},
		{
			name: "mount target itself",
			path: "/work",
			want: "/var/lib/judge/ws-1",
		},
		{
			name: "longest mount wins",
			path: "/work/nested/out",
			want: "/var/lib/judge/ws-1/nested/out",
		},
		{
			name: "sibling sharing the target prefix is outside",
			path: "/workother/out",
			want: "/workother/out",
		},
		{
			name: "unrelated path unchanged",
			path: "/etc/passwd",
			want: "/etc/passwd",
		},
		{
			name: "empty path",
			path: "",
			want: "",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := resolveHostPath(tt.path, spec); got != tt.want {
				t.Errorf("resolveHostPath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestResolveHostPathRootMount(t *testing.T) {
	t.Parallel()

	spec := RunSpec{BindMounts: []MountSpec{{Source: "/srv/root", Target: "/"}}}
	if got := resolveHostPath("/work/out", spec); got != "/srv/root/work/out" {
		t.Errorf("resolveHostPath() = %q", got)
	}
}

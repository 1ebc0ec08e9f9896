package defra

import (
	"testing"

	"github.com/docker/go-connections/nat"
)

func TestDockerConfig_Defaults(t *testing.T) {
	cfg := DockerConfig{}.withDefaults()
	if cfg.ContainerName != "storybook-defra" {
		t.Errorf("ContainerName = %s", cfg.ContainerName)
	}
	if cfg.Image != DefaultImage || cfg.HostPort != DefaultPort {
		t.Errorf("Image/HostPort = %s/%s", cfg.Image, cfg.HostPort)
	}
	if cfg.ReadyTimeout != defaultReadyTimeout {
		t.Errorf("ReadyTimeout = %s", cfg.ReadyTimeout)
	}
}

func TestContainerSpec(t *testing.T) {
	cfg := DockerConfig{DataPath: "/home/me/.storybook/defradb", HostPort: "19181"}.withDefaults()
	c, h := containerSpec(cfg, map[string]string{Label: "true"})

	if c.Image != DefaultImage {
		t.Errorf("Image = %s", c.Image)
	}
	if _, ok := c.ExposedPorts[nat.Port(ContainerPort)]; !ok {
		t.Error("container port not exposed")
	}
	b := h.PortBindings[nat.Port(ContainerPort)]
	if len(b) != 1 || b[0].HostIP != "127.0.0.1" || b[0].HostPort != "19181" {
		t.Errorf("port bindings = %+v, want loopback:19181", b)
	}
	if len(h.Mounts) != 1 || h.Mounts[0].Source != cfg.DataPath || h.Mounts[0].Target != DataDir {
		t.Errorf("mounts = %+v", h.Mounts)
	}

	_, h = containerSpec(DockerConfig{}.withDefaults(), nil)
	if len(h.Mounts) != 0 {
		t.Error("mount added without data path")
	}
}

func TestStateStatus(t *testing.T) {
	tests := map[string]ContainerStatus{
		"running":    StatusRunning,
		"exited":     StatusStopped,
		"dead":       StatusStopped,
		"created":    StatusStarting,
		"restarting": StatusStarting,
		"removing":   ContainerStatus("removing"),
	}
	for state, want := range tests {
		if got := stateStatus(state); got != want {
			t.Errorf("stateStatus(%q) = %s, want %s", state, got, want)
		}
	}
}

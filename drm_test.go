package drm_test

import (
	"testing"

	"github.com/NeowayLabs/kmsdisplay"
	"github.com/NeowayLabs/kmsdisplay/mode"
)

func TestCardPath(t *testing.T) {
	if p := drm.CardPath(1); p != "/dev/dri/card1" {
		t.Errorf("unexpected card path: %s", p)
	}
}

func TestDRIOpen(t *testing.T) {
	needCard(t)
	file, err := drm.OpenCard(0)
	if err != nil {
		t.Fatal(err)
	}
	file.Close()
}

func TestAvailableCard(t *testing.T) {
	needCard(t)
	v, err := drm.Available()
	if err != nil {
		t.Fatal(err)
	}
	if v.Major == 0 && v.Minor == 0 && v.Patch == 0 {
		t.Fatalf("failed to get driver version: %#v", v)
	}
	if v.Major != cardInfo.version.Major && v.Minor != cardInfo.version.Minor &&
		v.Patch != cardInfo.version.Patch {
		t.Logf("Unknow driver version: %d.%d.%d", v.Major, v.Minor, v.Patch)
	}

	t.Logf("Driver name: %s", v.Name)
	t.Logf("Driver version: %d.%d.%d", v.Major, v.Minor, v.Patch)
	t.Logf("Driver date: %s", v.Date)
	t.Logf("Driver description: %s", v.Desc)
}

func TestModeRes(t *testing.T) {
	needCard(t)
	file, err := drm.OpenCard(0)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	mres, err := mode.GetResources(file)
	if err != nil {
		t.Error(err)
		return
	}

	t.Logf("Number of framebuffers: %d", mres.CountFbs)
	t.Logf("Number of CRTCs: %d", mres.CountCrtcs)
	t.Logf("Number of connectors: %d", mres.CountConnectors)
	t.Logf("Number of encoders: %d", mres.CountEncoders)
	t.Logf("Framebuffers ids: %v", mres.Fbs)
	t.Logf("CRTC ids: %v", mres.Crtcs)
	t.Logf("Connector ids: %v", mres.Connectors)
	t.Logf("Encoder ids: %v", mres.Encoders)
}

func TestPlaneRes(t *testing.T) {
	needCard(t)
	file, err := drm.OpenCard(0)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	if err := drm.SetClientCap(file, drm.ClientCapUniversalPlanes, 1); err != nil {
		t.Skipf("universal planes not supported: %s", err)
	}
	planes, err := mode.GetPlaneResources(file)
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range planes {
		plane, err := mode.GetPlane(file, id)
		if err != nil {
			t.Error(err)
			continue
		}
		t.Logf("Plane %d: possible crtcs %#x, %d formats", plane.ID,
			plane.PossibleCrtcs, len(plane.Formats))
	}
}

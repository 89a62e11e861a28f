// Package config loads the MAC's default schedule from an embedded
// YAML document, the way the teacher's deviceid table is loaded from
// a data file at startup rather than compiled in -- except the
// schedule is small and fixed enough to embed with go:embed instead of
// searching a list of filesystem locations for it.
package config

import (
	"context"
	_ "embed"
	"encoding/hex"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tsch-go/tsch/tsch"
)

//go:embed schedule.yaml
var defaultScheduleYAML []byte

// LinkSpec is one link entry in a schedule document.
type LinkSpec struct {
	Timeslot      uint16   `yaml:"timeslot"`
	ChannelOffset uint16   `yaml:"channelOffset"`
	Type          string   `yaml:"type"`
	Dest          string   `yaml:"dest"`
	Options       []string `yaml:"options"`
}

// SlotframeSpec is one slotframe entry in a schedule document.
type SlotframeSpec struct {
	Handle uint16     `yaml:"handle"`
	Size   uint16     `yaml:"size"`
	Links  []LinkSpec `yaml:"links"`
}

// ScheduleSpec is the top-level document shape: a list of slotframes,
// each with its own links, per spec.md §4.2's data model.
type ScheduleSpec struct {
	Slotframes []SlotframeSpec `yaml:"slotframes"`
}

// Default parses the schedule bundled with the binary.
func Default() (ScheduleSpec, error) {
	return Parse(defaultScheduleYAML)
}

// Parse decodes a schedule document from raw YAML.
func Parse(data []byte) (ScheduleSpec, error) {
	var spec ScheduleSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return ScheduleSpec{}, fmt.Errorf("config: parsing schedule: %w", err)
	}

	return spec, nil
}

// Apply installs every slotframe and link in spec onto sched, in
// document order. It is the cooperative-side equivalent of
// tsch.Context.InstallDefaultSchedule for a caller supplying its own
// document instead of the single-link built-in default.
func Apply(ctx context.Context, sched *tsch.Schedule, spec ScheduleSpec) error {
	for _, sfSpec := range spec.Slotframes {
		var sf, err = sched.AddSlotframe(ctx, sfSpec.Handle, sfSpec.Size)
		if err != nil {
			return fmt.Errorf("config: slotframe %d: %w", sfSpec.Handle, err)
		}

		for _, linkSpec := range sfSpec.Links {
			var dest, err = parseAddress(linkSpec.Dest)
			if err != nil {
				return fmt.Errorf("config: slotframe %d link at timeslot %d: %w", sfSpec.Handle, linkSpec.Timeslot, err)
			}

			var opts = parseOptions(linkSpec.Options)
			var typ = parseLinkType(linkSpec.Type)

			if _, err := sched.AddLink(ctx, sf, opts, typ, dest, linkSpec.Timeslot, linkSpec.ChannelOffset); err != nil {
				return fmt.Errorf("config: slotframe %d link at timeslot %d: %w", sfSpec.Handle, linkSpec.Timeslot, err)
			}
		}
	}

	return nil
}

func parseAddress(s string) (tsch.Address, error) {
	if strings.EqualFold(s, "broadcast") || s == "" {
		return tsch.BroadcastAddress, nil
	}

	var raw, err = hex.DecodeString(s)
	if err != nil {
		return tsch.Address{}, fmt.Errorf("invalid address %q: %w", s, err)
	}

	if len(raw) != len(tsch.Address{}) {
		return tsch.Address{}, fmt.Errorf("invalid address %q: expected %d bytes, got %d", s, len(tsch.Address{}), len(raw))
	}

	var a tsch.Address
	copy(a[:], raw)

	return a, nil
}

func parseOptions(names []string) tsch.LinkOptions {
	var opts tsch.LinkOptions

	for _, name := range names {
		switch strings.ToLower(name) {
		case "tx":
			opts |= tsch.OptionTX
		case "rx":
			opts |= tsch.OptionRX
		case "shared":
			opts |= tsch.OptionShared
		case "timekeeping":
			opts |= tsch.OptionTimeKeeping
		}
	}

	return opts
}

func parseLinkType(name string) tsch.LinkType {
	switch strings.ToLower(name) {
	case "advertising":
		return tsch.LinkAdvertising
	case "advertisingonly", "advertising_only":
		return tsch.LinkAdvertisingOnly
	default:
		return tsch.LinkNormal
	}
}

// Package chat runs the Twitch IRC surface: it parses render commands from
// channel messages, feeds them into the render service, and speaks results
// back into the channel.
package chat

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mawnt/renderbot/render"
)

const commandPrefix = "!"

// Command is a parsed chat command: its name and positional arguments.
type Command struct {
	Name string
	Args []string
}

// ParseCommand splits a chat line into a command, or ok=false for ordinary
// chatter.
func ParseCommand(message string) (Command, bool) {
	msg := strings.TrimSpace(message)
	if !strings.HasPrefix(msg, commandPrefix) {
		return Command{}, false
	}
	fields := strings.Fields(msg[len(commandPrefix):])
	if len(fields) == 0 {
		return Command{}, false
	}
	return Command{Name: strings.ToLower(fields[0]), Args: fields[1:]}, true
}

// RenderArgs is the parsed form of "!render <beatmap-id> <replay-url>
// [skin=..] [mods=..] [start=..] [end=..]".
type RenderArgs struct {
	BeatmapID int
	ReplayURL string
	Settings  render.Settings

	// Which settings were given explicitly, so saved user defaults only fill
	// the gaps.
	SkinSet bool
	ModsSet bool
}

const renderUsage = "usage: !render <beatmap-id> <replay-url> [skin=name] [mods=HDDT] [start=secs] [end=secs]"

// ParseRenderArgs validates the arguments of a !render command.
func ParseRenderArgs(args []string) (RenderArgs, error) {
	if len(args) < 2 {
		return RenderArgs{}, fmt.Errorf("%s", renderUsage)
	}
	id, err := strconv.Atoi(args[0])
	if err != nil || id <= 0 {
		return RenderArgs{}, fmt.Errorf("bad beatmap id %q: %s", args[0], renderUsage)
	}
	out := RenderArgs{BeatmapID: id, ReplayURL: args[1]}
	for _, a := range args[2:] {
		k, v, found := strings.Cut(a, "=")
		if !found || v == "" {
			return RenderArgs{}, fmt.Errorf("bad option %q: %s", a, renderUsage)
		}
		switch strings.ToLower(k) {
		case "skin":
			out.Settings.Skin = v
			out.SkinSet = true
		case "mods":
			out.Settings.Mods = strings.ToUpper(v)
			out.ModsSet = true
		case "start":
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return RenderArgs{}, fmt.Errorf("bad start %q", v)
			}
			out.Settings.Start = n
		case "end":
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return RenderArgs{}, fmt.Errorf("bad end %q", v)
			}
			out.Settings.End = n
		default:
			return RenderArgs{}, fmt.Errorf("unknown option %q: %s", k, renderUsage)
		}
	}
	if out.Settings.End > 0 && out.Settings.End <= out.Settings.Start {
		return RenderArgs{}, fmt.Errorf("end must be after start")
	}
	return out, nil
}

const helpText = "commands: !render <beatmap-id> <replay-url> [skin=..] [mods=..] [start=..] [end=..] | !cancel | !queue | !skin list | !skin set <name> | !help"

package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

func NewMeetingCmd(deps *Dependencies) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "meeting",
		Short: "Inspect and configure meetings",
	}
	cmd.AddCommand(newDurationCmd(deps))
	return cmd
}

func newDurationCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "duration <room> [minutes|unlimited]",
		Short: "Show or set a meeting's configured duration",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend := newBackend(deps.Config)
			room := strings.ToLower(args[0])

			if len(args) == 1 {
				m, err := backend.Meeting(cmd.Context(), room)
				if err != nil {
					return err
				}
				fmt.Printf("%s: %s\n", room, formatMinutes(m.Duration))
				return nil
			}

			minutes, err := parseMinutes(args[1])
			if err != nil {
				return err
			}
			if err := backend.UpdateDuration(cmd.Context(), room, minutes); err != nil {
				return err
			}
			fmt.Printf("%s: duration set to %s\n", room, formatMinutes(minutes))
			return nil
		},
	}
}

// parseMinutes accepts a positive number of minutes or "unlimited" (nil).
func parseMinutes(s string) (*int, error) {
	if strings.EqualFold(s, "unlimited") {
		return nil, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("duration must be a positive number of minutes or \"unlimited\", got %q", s)
	}
	return &n, nil
}

func formatMinutes(m *int) string {
	if m == nil {
		return "unlimited"
	}
	return fmt.Sprintf("%d min", *m)
}

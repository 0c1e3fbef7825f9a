package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"stardust/internal/game"
	"stardust/internal/mission"
	"stardust/internal/syncq"

	"github.com/fatih/color"
)

var (
	stdinReader = bufio.NewReader(os.Stdin)
	accent      = color.New(color.FgCyan, color.Bold)
	success     = color.New(color.FgGreen, color.Bold)
	warn        = color.New(color.FgYellow, color.Bold)
	danger      = color.New(color.FgRed, color.Bold)
	neutral     = color.New(color.FgHiWhite)
)

func printSuccess(msg string) {
	success.Println(msg)
}

func printWarn(msg string) {
	warn.Println(msg)
}

func printError(msg string) {
	danger.Println(msg)
}

func printInfo(msg string) {
	neutral.Println(msg)
}

func promptRequired(label string) (string, error) {
	for {
		fmt.Printf("%s: ", label)
		text, err := stdinReader.ReadString('\n')
		if err != nil {
			return "", err
		}
		text = strings.TrimSpace(text)
		if text != "" {
			return text, nil
		}
		printWarn(label + " is required.")
	}
}

func promptOptional(label string) (string, error) {
	fmt.Printf("%s: ", label)
	text, err := stdinReader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func filterPlayers(rows []game.AdminPlayerRow, path mission.Path) []game.AdminPlayerRow {
	if path == mission.PathUnset {
		return rows
	}
	out := rows[:0:0]
	for _, r := range rows {
		if r.Arc == path {
			out = append(out, r)
		}
	}
	return out
}

func renderPlayers(rows []game.AdminPlayerRow) {
	accent.Printf("\n== PLAYERS (%d) ==\n", len(rows))
	if len(rows) == 0 {
		printInfo("No players yet.")
		return
	}
	fmt.Printf("%-36s %-28s %8s %-8s %8s %-14s %-16s %5s\n", "ID", "EMAIL", "STARDUST", "PATH", "MISSION", "STATE", "LAST SENT", "NEXT")
	for _, r := range rows {
		current, state, lastSent := "-", neutral.Sprint("not started"), "-"
		if p := r.Progress; p != nil {
			current = fmt.Sprintf("%d/%d", p.CurrentMission, mission.TotalMissions)
			state = colorizeState(p.State())
			lastSent = formatTime(p.LastSentAt)
		}
		fmt.Printf("%-36s %-28s %8d %-8s %8s %-14s %-16s %5d\n",
			r.ID,
			truncate(r.Email, 28),
			r.Balance,
			r.Arc.String(),
			current,
			state,
			lastSent,
			r.SuggestedNextMission,
		)
	}
	fmt.Println()
}

func colorizeState(s mission.ReplyState) string {
	if s == mission.Answered {
		return success.Sprint(s.String())
	}
	return warn.Sprint(s.String())
}

func renderDispatch(playerID string, n int, res game.DispatchResult) {
	if !res.Success {
		printError(fmt.Sprintf("Mission %d to %s not sent: %s", n, playerID, res.Error))
		return
	}
	printSuccess(fmt.Sprintf("Mission %d sent to %s (message %s).", n, playerID, res.MessageID))
}

func renderSweep(res game.SweepResult) {
	accent.Printf("\n== SWEEP ==\n")
	if res.Processed == 0 {
		printInfo("Nobody is due for a mission.")
		return
	}
	failed := 0
	fmt.Printf("%-36s %8s %-8s %s\n", "PLAYER", "MISSION", "RESULT", "ERROR")
	for _, item := range res.Results {
		result := success.Sprint("sent")
		if !item.Success {
			failed++
			result = danger.Sprint("failed")
		}
		fmt.Printf("%-36s %8d %-8s %s\n", item.PlayerID, item.Mission, result, truncate(item.Error, 60))
	}
	fmt.Println()
	if failed > 0 {
		printWarn(fmt.Sprintf("Processed %d, %d failed. Failed players stay due for the next sweep.", res.Processed, failed))
		return
	}
	printSuccess(fmt.Sprintf("Processed %d.", res.Processed))
}

func renderOutbox(queue []syncq.Command) {
	accent.Printf("\n== OUTBOX (%d) ==\n", len(queue))
	if len(queue) == 0 {
		printInfo("Outbox is empty.")
		return
	}
	for _, c := range queue {
		fmt.Printf("%s  %s %s  player=%v mission=%v\n",
			c.QueuedAt.Local().Format("2006-01-02 15:04"),
			c.Method, c.Path, c.Body["player_id"], c.Body["mission_number"])
		if c.LastErr != "" {
			danger.Printf("    last error: %s\n", truncate(c.LastErr, 80))
		}
	}
	fmt.Println()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

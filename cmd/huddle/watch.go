package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"huddle/api/internal/app"
	"huddle/api/internal/reaction"
	"huddle/api/internal/realtime"
	"huddle/api/internal/store"
	"huddle/api/internal/thread"
)

var (
	watchServer  string
	watchTask    string
	watchProject string
	watchUser    string
	watchToken   string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow a task's comments live and post new ones from stdin",
	Long: `Connect to a running API, print the task's threads on every change and post each
line typed on stdin as a comment. A posted line shows as pending until the server
confirms it.

Examples:
  huddle watch --task task-1 --project proj-1 --user alice
  huddle watch --server https://huddle.example.com --task task-1 --project proj-1 --token $TOKEN`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchServer, "server", "http://localhost:8787", "API base URL")
	watchCmd.Flags().StringVar(&watchTask, "task", "", "task id")
	watchCmd.Flags().StringVar(&watchProject, "project", "", "project id")
	watchCmd.Flags().StringVar(&watchUser, "user", "", "user id in local-only mode")
	watchCmd.Flags().StringVar(&watchToken, "token", "", "bearer token when the API verifies identities")
	_ = watchCmd.MarkFlagRequired("task")
	_ = watchCmd.MarkFlagRequired("project")
}

func runWatch(cmd *cobra.Command, args []string) error {
	if watchUser == "" && watchToken == "" {
		return fmt.Errorf("either --user or --token is required")
	}
	base, err := url.Parse(strings.TrimRight(watchServer, "/"))
	if err != nil {
		return fmt.Errorf("parse server url: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, liveURL(base), authHeader())
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("connect live feed: %w", err)
	}
	defer conn.Close()

	out := cmd.OutOrStdout()
	mirror := realtime.NewMirror(func(c store.Comment) string { return c.ID })
	var renderMu sync.Mutex
	render := func() {
		renderMu.Lock()
		defer renderMu.Unlock()
		renderThreads(out, thread.Build(mirror.View()), mirror.Pending())
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			var frame app.LiveFrame[[]store.Comment]
			if err := conn.ReadJSON(&frame); err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("live feed closed: %w", err)
			}
			mirror.Confirm(frame.Data)
			render()
		}
	})
	g.Go(func() error {
		client := &http.Client{Timeout: 10 * time.Second}
		sent := 0
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				line = strings.TrimSpace(line)
				if line == "" {
					continue
				}
				sent++
				mirror.AddPending(store.Comment{
					ID:                fmt.Sprintf("pending-%d", sent),
					TaskID:            watchTask,
					ProjectID:         watchProject,
					AuthorID:          watchUser,
					AuthorDisplayName: "you",
					Content:           line,
					CreatedAt:         time.Now(),
				})
				render()
				if err := postComment(gctx, client, base, line); err != nil {
					fmt.Fprintf(out, "not sent (%v): %s\n", err, line)
				}
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		return conn.Close()
	})
	return g.Wait()
}

func liveURL(base *url.URL) string {
	u := base.JoinPath("api", "live", "tasks", watchTask)
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if watchToken == "" {
		u.RawQuery = url.Values{"userId": {watchUser}}.Encode()
	}
	return u.String()
}

func authHeader() http.Header {
	header := http.Header{}
	if watchToken != "" {
		header.Set("Authorization", "Bearer "+watchToken)
	} else {
		header.Set("X-User-ID", watchUser)
	}
	return header
}

func postComment(ctx context.Context, client *http.Client, base *url.URL, content string) error {
	body, err := json.Marshal(app.AddCommentInput{ProjectID: watchProject, AuthorID: watchUser, Content: content})
	if err != nil {
		return err
	}
	endpoint := base.JoinPath("api", "tasks", watchTask, "comments")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range authHeader() {
		req.Header[k] = v
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		var payload struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
			return fmt.Errorf("%s", payload.Error)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}

func renderThreads(w io.Writer, view thread.View, pending int) {
	total := 0
	for _, t := range view.Threads {
		total += 1 + t.ReplyCount
	}
	total += len(view.Orphans)
	fmt.Fprintf(w, "\n== task %s: %d comments", watchTask, total)
	if pending > 0 {
		fmt.Fprintf(w, ", %d pending", pending)
	}
	fmt.Fprintln(w)

	for _, t := range view.Threads {
		renderComment(w, "", t.Root)
		for _, reply := range t.Replies {
			renderComment(w, "  > ", reply)
		}
	}
	for _, orphan := range view.Orphans {
		renderComment(w, "  ? ", orphan)
	}
}

func renderComment(w io.Writer, prefix string, c store.Comment) {
	line := fmt.Sprintf("%s%s: %s", prefix, c.AuthorDisplayName, c.Content)
	if strings.HasPrefix(c.ID, "pending-") {
		line += "  (sending)"
	}
	groups := reaction.GroupByEmoji(c.Reactions)
	if len(groups) > 0 {
		parts := make([]string, 0, len(groups))
		for _, g := range groups {
			part := fmt.Sprintf("%s %d", g.Emoji, g.Count)
			// Starred when the watching user is one of the reactors.
			if watchUser != "" && reaction.ReactedBy(c.Reactions, watchUser, g.Emoji) {
				part += "*"
			}
			parts = append(parts, part)
		}
		line += "  [" + strings.Join(parts, " ") + "]"
	}
	fmt.Fprintln(w, line)
}

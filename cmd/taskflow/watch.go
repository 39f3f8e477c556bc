package main

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/spf13/cobra"

	"github.com/basket/taskflow/internal/bus"
	"github.com/basket/taskflow/internal/taskerr"
)

func (a *app) watchCmd() *cobra.Command {
	var taskID string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream committed task changes until interrupted",
		Args:  exactArgs(0, "no arguments"),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.loadConfig(); err != nil {
				return err
			}
			return a.watch(cmd.Context(), taskID)
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "only changes to this task")
	return cmd
}

// streamURL turns the store base URL into its /ws endpoint.
func streamURL(base, taskID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", usagef("store url %q: %v", base, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", usagef("store url %q must be http or https", base)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	if taskID != "" {
		u.RawQuery = url.Values{"task_id": []string{taskID}}.Encode()
	}
	return u.String(), nil
}

// watch prints change events until ctx ends or the store closes the stream.
// An interrupt is a normal exit.
func (a *app) watch(ctx context.Context, taskID string) error {
	const op = "cli.watch"
	target, err := streamURL(a.cfg.Client.BaseURL, taskID)
	if err != nil {
		return err
	}
	header := http.Header{}
	if a.cfg.Client.Token != "" {
		header.Set("Authorization", "Bearer "+a.cfg.Client.Token)
	}

	dialCtx, cancel := context.WithTimeout(ctx, a.cfg.Client.RequestTimeout)
	conn, resp, err := websocket.Dial(dialCtx, target, &websocket.DialOptions{HTTPHeader: header})
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return &taskerr.Error{Kind: taskerr.KindRejected, Op: op, StatusCode: resp.StatusCode, Message: "store refused the stream credentials"}
		}
		return taskerr.Network(op, err)
	}
	defer conn.CloseNow()

	for {
		var ev bus.TaskChangeEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			if ctx.Err() != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "bye")
				return nil
			}
			if websocket.CloseStatus(err) == websocket.StatusGoingAway {
				return taskerr.Unavailable(op, "store is shutting down")
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return taskerr.Timeout(op, err)
			}
			return taskerr.Network(op, err)
		}
		if err := a.printChange(ev); err != nil {
			return err
		}
	}
}

package contest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "github.com/BruceKZ/cfreminder-bot/pkg/logx"
	"github.com/BruceKZ/cfreminder-bot/pkg/tgui"
)

func at(sec int64) time.Time { return time.Unix(sec, 0).UTC() }

func TestSelectNext(t *testing.T) {
	cases := []struct {
		name   string
		in     []Contest
		wantID int64
		found  bool
	}{
		{"empty", nil, 0, false},
		{"no BEFORE", []Contest{
			{ID: 1, Phase: PhaseFinished, StartTime: at(10)},
			{ID: 2, Phase: PhaseCoding, StartTime: at(20)},
		}, 0, false},
		{"earliest BEFORE wins", []Contest{
			{ID: 1, Phase: PhaseFinished, StartTime: at(5)},
			{ID: 2, Phase: PhaseBefore, StartTime: at(300)},
			{ID: 3, Phase: PhaseBefore, StartTime: at(100)},
			{ID: 4, Phase: PhaseBefore, StartTime: at(200)},
		}, 3, true},
		{"tie goes to lowest id", []Contest{
			{ID: 9, Phase: PhaseBefore, StartTime: at(100)},
			{ID: 7, Phase: PhaseBefore, StartTime: at(100)},
			{ID: 8, Phase: PhaseBefore, StartTime: at(100)},
		}, 7, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := SelectNext(tc.in)
			require.Equal(t, tc.found, ok)
			if ok {
				require.Equal(t, tc.wantID, got.ID)
				require.Equal(t, PhaseBefore, got.Phase)
			}
			res := Select(tc.in)
			if tc.found {
				require.Equal(t, KindUpcoming, res.Kind)
			} else {
				require.Equal(t, KindNoneUpcoming, res.Kind)
			}
		})
	}
}

func serve(t *testing.T, status int, body string) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return NewClient(ClientConfig{APIURL: srv.URL, Timeout: 5 * time.Second}, logx.Nop())
}

func TestClientNext(t *testing.T) {
	body := `{"status":"OK","result":[
		{"id":1999,"name":"Old Round","type":"CF","phase":"FINISHED","durationSeconds":7200,"startTimeSeconds":1000},
		{"id":2001,"name":"Later Round","type":"CF","phase":"BEFORE","durationSeconds":7200,"startTimeSeconds":3000},
		{"id":2000,"name":"Round 2000","type":"ICPC","phase":"BEFORE","durationSeconds":9000,"startTimeSeconds":2000},
		{"id":2002,"name":"Unscheduled","type":"CF","phase":"BEFORE","durationSeconds":7200}
	]}`
	res := serve(t, http.StatusOK, body).Next(context.Background())
	require.Equal(t, KindUpcoming, res.Kind)
	require.Nil(t, res.Err)
	require.Equal(t, Contest{
		ID:        2000,
		Name:      "Round 2000",
		Type:      "ICPC",
		Phase:     PhaseBefore,
		StartTime: at(2000),
		Duration:  9000 * time.Second,
	}, res.Contest)
}

func TestClientNoneUpcoming(t *testing.T) {
	res := serve(t, http.StatusOK, `{"status":"OK","result":[{"id":1,"name":"x","phase":"FINISHED","startTimeSeconds":1}]}`).
		Next(context.Background())
	require.Equal(t, KindNoneUpcoming, res.Kind)
	require.Nil(t, res.Err)
}

func TestClientFailures(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		cause  string
	}{
		{"non-OK envelope", http.StatusOK, `{"status":"FAILED","comment":"Call limit exceeded"}`, "Call limit exceeded"},
		{"status without comment", http.StatusOK, `{"status":"FAILED"}`, "API status FAILED"},
		{"HTTP 400 envelope", http.StatusBadRequest, `{"status":"FAILED","comment":"bad gym"}`, "HTTP 400: bad gym"},
		{"HTTP 502 html", http.StatusBadGateway, `<html>bad gateway</html>`, "HTTP 502"},
		{"malformed", http.StatusOK, `{"status":`, "malformed response"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := serve(t, tc.status, tc.body).Next(context.Background())
			require.Equal(t, KindFailed, res.Kind)
			require.NotNil(t, res.Err)
			require.NotEmpty(t, res.Err.Cause)
			require.Contains(t, res.Err.Cause, tc.cause)
		})
	}
}

func TestClientTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(ClientConfig{APIURL: url, Timeout: time.Second}, logx.Nop())
	_, err := c.Fetch(context.Background())
	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	require.Contains(t, fe.Cause, "request failed")
	require.NotNil(t, errors.Unwrap(fe))
}

type fixedSource struct{ res Result }

func (f fixedSource) Next(context.Context) Result { return f.res }

func TestComposeUpcoming(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	body := fmt.Sprintf(`{"status":"OK","result":[{"id":1,"name":"Round <1>","phase":"BEFORE","startTimeSeconds":%d}]}`,
		now.Unix()+3665)

	loc, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	comp := NewComposer(serve(t, http.StatusOK, body), loc, "")

	msg := comp.Compose(context.Background(), now)
	require.Equal(t, KindUpcoming, msg.Result.Kind)

	text := msg.Text.String()
	require.Contains(t, text, "1 hours 1 minutes")
	require.Contains(t, text, "Round &lt;1&gt;")
	require.Contains(t, text, "2024-01-15 12:01:05 CET")
	require.Contains(t, text, "https://codeforces.com/contest/1")
	require.NotContains(t, text, "starting now")
}

func TestComposeNoneUpcoming(t *testing.T) {
	comp := NewComposer(fixedSource{NoneUpcoming()}, nil, "")
	msg := comp.Compose(context.Background(), time.Now())
	require.Equal(t, NoUpcomingText, tgui.Plain(msg.Text))
	require.NotContains(t, msg.Text.String(), "❌")
}

func TestComposeFailed(t *testing.T) {
	comp := NewComposer(serve(t, http.StatusOK, `{"status":"FAILED","comment":"maintenance"}`), time.UTC, "")
	msg := comp.Compose(context.Background(), time.Now())
	require.Equal(t, KindFailed, msg.Result.Kind)
	require.True(t, strings.HasPrefix(tgui.Plain(msg.Text), FetchFailedText))
	require.Contains(t, msg.Text.String(), "maintenance")
}

func TestComposeStarted(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	comp := NewComposer(fixedSource{Upcoming(Contest{ID: 5, Name: "Live", Phase: PhaseBefore, StartTime: now.Add(-time.Minute)})}, time.UTC, "https://cf.test/c")
	text := comp.Compose(context.Background(), now).Text.String()
	require.Contains(t, text, "0 hours 0 minutes (starting now)")
	require.Contains(t, text, "https://cf.test/c/5")
}

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	gh "github.com/google/go-github/v80/github"
	"github.com/sashabaranov/go-openai/jsonschema"
	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/fabfab/go-assistant/connections"
	"github.com/fabfab/go-assistant/session"
)

const (
	MsgNoUser            = "There is no user logged in."
	MsgUnverified        = "I couldn't verify your identity"
	MsgNoDocuments       = "I couldn't find any documents you are allowed to view."
	MsgConnectionMissing = "Authorization required to access the Federated Connection API"

	calendarWindow    = 7 * 24 * time.Hour
	calendarMaxEvents = 5
)

// UserInfoFetcher resolves the profile behind an upstream access token.
type UserInfoFetcher interface {
	UserInfo(ctx context.Context, accessToken string) (session.Profile, error)
}

// Retriever returns the passages a subject may view, most relevant first.
type Retriever interface {
	RetrieveAuthorized(ctx context.Context, question, subject string, topK int) ([]string, error)
}

// Connections hands out per-user grants for third-party APIs.
type Connections interface {
	TokenSource(ctx context.Context, subject, connection string) (oauth2.TokenSource, error)
	Wait(ctx context.Context, connection string) error
	RecordRateLimited(connection string, retryAfterSeconds int)
}

func UserInfoTool(users UserInfoFetcher) Tool {
	return Tool{
		Name:        "get_user_info",
		Description: "Get information about the current logged in user.",
		Handler: func(ctx context.Context, _ json.RawMessage) (string, error) {
			id, ok := session.FromContext(ctx)
			if !ok || id.AccessToken == "" {
				return MsgNoUser, nil
			}
			profile, err := users.UserInfo(ctx, id.AccessToken)
			if err != nil {
				return MsgUnverified, nil
			}
			raw := profile.Raw
			if raw == nil {
				raw = map[string]any{"sub": profile.Subject, "email": profile.Email, "name": profile.Name}
			}
			body, err := json.Marshal(raw)
			if err != nil {
				return "", fmt.Errorf("encode user info: %w", err)
			}
			return "User information: " + string(body), nil
		},
	}
}

// ContextDocsTool searches the knowledge base on behalf of the caller and only
// returns passages the caller is allowed to view.
func ContextDocsTool(retriever Retriever, topK int) Tool {
	return Tool{
		Name:        "get_context_docs",
		Description: "Retrieve documents from the knowledge base the current user is allowed to view.",
		Parameters: jsonschema.Definition{
			Type: jsonschema.Object,
			Properties: map[string]jsonschema.Definition{
				"question": {Type: jsonschema.String, Description: "What to search the knowledge base for."},
			},
			Required: []string{"question"},
		},
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args struct {
				Question string `json:"question"`
			}
			if err := decodeArgs("get_context_docs", raw, &args); err != nil {
				return "", err
			}
			id, ok := session.FromContext(ctx)
			if !ok {
				return MsgNoUser, nil
			}
			passages, err := retriever.RetrieveAuthorized(ctx, args.Question, id.Subject, topK)
			if err != nil {
				return "", err
			}
			if len(passages) == 0 {
				return MsgNoDocuments, nil
			}
			return strings.Join(passages, "\n\n"), nil
		},
	}
}

type calendarEvent struct {
	Summary string `json:"summary"`
	Start   string `json:"start"`
}

// CalendarTool lists the caller's next events on their primary Google
// calendar. Extra client options are appended after the token source.
func CalendarTool(conns Connections, now func() time.Time, opts ...option.ClientOption) Tool {
	if now == nil {
		now = time.Now
	}
	return Tool{
		Name:        "list_upcoming_events",
		Description: "List upcoming events from the user's Google Calendar.",
		Handler: func(ctx context.Context, _ json.RawMessage) (string, error) {
			id, ok := session.FromContext(ctx)
			if !ok {
				return MsgNoUser, nil
			}
			ts, err := conns.TokenSource(ctx, id.Subject, connections.Google)
			if errors.Is(err, connections.ErrNotConnected) {
				return MsgConnectionMissing, nil
			}
			if err != nil {
				return "", err
			}
			if err := conns.Wait(ctx, connections.Google); err != nil {
				return "", err
			}

			svc, err := calendar.NewService(ctx, append([]option.ClientOption{option.WithTokenSource(ts)}, opts...)...)
			if err != nil {
				return "", fmt.Errorf("create calendar service: %w", err)
			}
			start := now().UTC()
			events, err := svc.Events.List("primary").
				TimeMin(start.Format(time.RFC3339)).
				TimeMax(start.Add(calendarWindow).Format(time.RFC3339)).
				MaxResults(calendarMaxEvents).
				SingleEvents(true).
				OrderBy("startTime").
				Context(ctx).
				Do()
			if err != nil {
				var apiErr *googleapi.Error
				if errors.As(err, &apiErr) {
					switch apiErr.Code {
					case http.StatusUnauthorized:
						return MsgConnectionMissing, nil
					case http.StatusTooManyRequests:
						conns.RecordRateLimited(connections.Google, 0)
					}
				}
				return "", fmt.Errorf("list calendar events: %w", err)
			}

			out := make([]calendarEvent, 0, len(events.Items))
			for _, e := range events.Items {
				ev := calendarEvent{Summary: e.Summary}
				if ev.Summary == "" {
					ev.Summary = "(no title)"
				}
				if e.Start != nil {
					ev.Start = e.Start.DateTime
					if ev.Start == "" {
						ev.Start = e.Start.Date
					}
				}
				out = append(out, ev)
			}
			body, err := json.Marshal(out)
			if err != nil {
				return "", fmt.Errorf("encode events: %w", err)
			}
			return string(body), nil
		},
	}
}

type repository struct {
	Name            string `json:"name"`
	FullName        string `json:"full_name"`
	Description     string `json:"description,omitempty"`
	Private         bool   `json:"private"`
	HTMLURL         string `json:"html_url"`
	Language        string `json:"language,omitempty"`
	StargazersCount int    `json:"stargazers_count"`
	ForksCount      int    `json:"forks_count"`
	OpenIssuesCount int    `json:"open_issues_count"`
	UpdatedAt       string `json:"updated_at,omitempty"`
}

// RepositoriesTool lists the caller's GitHub repositories. An empty baseURL
// targets api.github.com.
func RepositoriesTool(conns Connections, baseURL string) Tool {
	return Tool{
		Name:        "list_repositories",
		Description: "List data of all repositories for the current user on GitHub.",
		Handler: func(ctx context.Context, _ json.RawMessage) (string, error) {
			id, ok := session.FromContext(ctx)
			if !ok {
				return MsgNoUser, nil
			}
			ts, err := conns.TokenSource(ctx, id.Subject, connections.GitHub)
			if errors.Is(err, connections.ErrNotConnected) {
				return MsgConnectionMissing, nil
			}
			if err != nil {
				return "", err
			}
			if err := conns.Wait(ctx, connections.GitHub); err != nil {
				return "", err
			}

			client := gh.NewClient(oauth2.NewClient(ctx, ts))
			if baseURL != "" {
				u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/")
				if err != nil {
					return "", fmt.Errorf("parse github base url: %w", err)
				}
				client.BaseURL = u
			}

			repos, _, err := client.Repositories.ListByAuthenticatedUser(ctx, &gh.RepositoryListByAuthenticatedUserOptions{
				Visibility:  "all",
				Sort:        "updated",
				Direction:   "desc",
				ListOptions: gh.ListOptions{PerPage: 50},
			})
			if err != nil {
				var rateErr *gh.RateLimitError
				if errors.As(err, &rateErr) {
					conns.RecordRateLimited(connections.GitHub, int(time.Until(rateErr.Rate.Reset.Time).Seconds()))
				}
				var respErr *gh.ErrorResponse
				if errors.As(err, &respErr) && respErr.Response != nil && respErr.Response.StatusCode == http.StatusUnauthorized {
					return MsgConnectionMissing, nil
				}
				return "", fmt.Errorf("list repositories: %w", err)
			}

			out := make([]repository, 0, len(repos))
			for _, r := range repos {
				repo := repository{
					Name:            r.GetName(),
					FullName:        r.GetFullName(),
					Description:     r.GetDescription(),
					Private:         r.GetPrivate(),
					HTMLURL:         r.GetHTMLURL(),
					Language:        r.GetLanguage(),
					StargazersCount: r.GetStargazersCount(),
					ForksCount:      r.GetForksCount(),
					OpenIssuesCount: r.GetOpenIssuesCount(),
				}
				if r.UpdatedAt != nil {
					repo.UpdatedAt = r.UpdatedAt.Format(time.RFC3339)
				}
				out = append(out, repo)
			}
			body, err := json.Marshal(map[string]any{"total_repositories": len(out), "repositories": out})
			if err != nil {
				return "", fmt.Errorf("encode repositories: %w", err)
			}
			return string(body), nil
		},
	}
}

// ShopOnlineTool is a demo purchase tool; it never buys anything.
func ShopOnlineTool() Tool {
	return Tool{
		Name:        "shop_online",
		Description: "Demo purchase tool (stub).",
		Parameters: jsonschema.Definition{
			Type: jsonschema.Object,
			Properties: map[string]jsonschema.Definition{
				"product":  {Type: jsonschema.String, Description: "Product to buy."},
				"quantity": {Type: jsonschema.Integer, Description: "How many to buy."},
			},
			Required: []string{"product", "quantity"},
		},
		Handler: func(_ context.Context, raw json.RawMessage) (string, error) {
			var args struct {
				Product  string `json:"product"`
				Quantity int    `json:"quantity"`
			}
			if err := decodeArgs("shop_online", raw, &args); err != nil {
				return "", err
			}
			if strings.TrimSpace(args.Product) == "" || args.Quantity <= 0 {
				return "", errors.New("shop_online: product and a positive quantity are required")
			}
			body, err := json.Marshal(map[string]any{
				"ok":      true,
				"message": fmt.Sprintf("Would buy %d x %s (demo stub)", args.Quantity, args.Product),
			})
			if err != nil {
				return "", fmt.Errorf("encode purchase: %w", err)
			}
			return string(body), nil
		},
	}
}

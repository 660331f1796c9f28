package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"ReTool-Life/internal/llm"
)

func (r *Registry) registerBuiltins() {
	r.Register(Tool{
		Spec: toolSpec("get_health_metrics", "Get the user's latest health metrics",
			[]string{"user_id"}, map[string]any{
				"user_id":     prop("string", "User identifier"),
				"metric_type": prop("string", "One of sleep, activity, stress, hydration or all"),
			}),
		Handler: r.getHealthMetrics,
	})
	r.Register(Tool{
		Spec: toolSpec("search_wellness_products", "Search wellness products",
			[]string{"query"}, map[string]any{
				"query":       prop("string", "Search query"),
				"max_results": prop("integer", "Maximum number of results"),
			}),
		Handler: r.searchWellnessProducts,
	})
	r.Register(Tool{
		Spec: toolSpec("optimize_calendar", "Analyze and optimize the user's calendar for wellness",
			[]string{"user_id"}, map[string]any{
				"user_id":           prop("string", "User identifier"),
				"optimization_type": prop("string", "One of sleep, breaks or focus_time"),
			}),
		Handler: r.optimizeCalendar,
	})
	r.Register(Tool{
		Spec: toolSpec("web_search", "Search the web for wellness information",
			[]string{"query"}, map[string]any{
				"query":       prop("string", "Search query"),
				"max_results": prop("integer", "Maximum number of results"),
			}),
		Handler: r.webSearch,
	})
	r.Register(Tool{
		Spec: toolSpec("execute_ios_shortcut", "Run an iOS Shortcut on the user's phone",
			[]string{"shortcut_name"}, map[string]any{
				"shortcut_name": prop("string", "lock_apps, sleep_mode or morning_routine"),
				"parameters":    map[string]any{"type": "object"},
			}),
		Handler: r.executeShortcut,
	})
	r.Register(Tool{
		Spec: toolSpec("start_screentime_limit", "Start a screen time limit session",
			[]string{"minutes"}, map[string]any{
				"minutes": prop("integer", "Length of the limit in minutes"),
				"apps":    map[string]any{"type": "array", "items": prop("string", "App name")},
			}),
		Handler: r.startScreentimeLimit,
	})
	r.Register(Tool{
		Spec: toolSpec("activate_screentime", "Activate the screen time profile",
			nil, map[string]any{
				"profile": prop("string", "Screen time profile name"),
			}),
		Handler: r.activateScreentime,
	})
	r.Register(Tool{
		Spec: toolSpec("send_sms", "Send an SMS to the user; requires approval",
			[]string{"message"}, map[string]any{
				"message":   prop("string", "Message body"),
				"to_number": prop("string", "Destination phone number"),
			}),
		Handler: r.messageHandler(channelSMS),
	})
	r.Register(Tool{
		Spec: toolSpec("send_whatsapp", "Send a WhatsApp message to the user; requires approval",
			[]string{"message"}, map[string]any{
				"message":   prop("string", "Message body"),
				"to_number": prop("string", "Destination phone number"),
			}),
		Handler: r.messageHandler(channelWhatsApp),
	})
	r.Register(Tool{
		Spec: toolSpec("commerce_buy", "Buy a wellness product; requires approval",
			[]string{"product_id", "product_name", "price"}, map[string]any{
				"product_id":   prop("string", "Product identifier"),
				"product_name": prop("string", "Product name"),
				"price":        prop("number", "Price in USD"),
				"user_id":      prop("string", "User identifier"),
			}),
		Handler: r.commerceBuy,
	})
}

func toolSpec(name, description string, required []string, props map[string]any) llm.ToolSpec {
	return llm.ToolSpec{
		Name:        name,
		Description: description,
		Parameters:  objectSchema(required, props),
	}
}

func (r *Registry) getHealthMetrics(_ context.Context, args map[string]any) (any, error) {
	userID := stringArg(args, "user_id", "unknown")
	metricType := strings.ToLower(stringArg(args, "metric_type", "all"))
	date := r.now().UTC().Format("2006-01-02")

	all := map[string]any{
		"sleep": map[string]any{
			"user_id":            userID,
			"date":               date,
			"hours":              6.4,
			"quality":            0.72,
			"rem_sleep_minutes":  85,
			"deep_sleep_minutes": 70,
			"interruptions":      2,
		},
		"activity": map[string]any{
			"user_id":         userID,
			"date":            date,
			"steps":           6800,
			"active_minutes":  32,
			"sedentary_hours": 8.5,
		},
		"stress": map[string]any{
			"user_id":                userID,
			"stress_level":           "moderate",
			"heart_rate_variability": 42,
			"recovery_score":         0.68,
			"recommendations": []string{
				"Take a 5-minute breathing break",
				"Go for a short walk",
				"Practice mindfulness meditation",
			},
		},
		"hydration": map[string]any{
			"user_id":             userID,
			"date":                date,
			"water_intake_oz":     48,
			"goal_oz":             64,
			"percentage_complete": 0.75,
		},
	}
	if metricType != "all" {
		if single, ok := all[metricType]; ok {
			return single, nil
		}
		return nil, fmt.Errorf("unsupported metric type %q", metricType)
	}
	return all, nil
}

type product struct {
	Name   string
	Price  float64
	Rating float64
}

var productCatalog = map[string][]product{
	"sleep": {
		{"Melatonin 5mg (60 tablets)", 12.99, 4.5},
		{"Magnesium Glycinate 400mg", 24.99, 4.7},
		{"Chamomile Tea (30 bags)", 8.99, 4.3},
		{"Sleep Mask with Bluetooth", 39.99, 4.6},
		{"White Noise Machine", 49.99, 4.8},
	},
	"stress": {
		{"Ashwagandha 600mg", 19.99, 4.6},
		{"L-Theanine 200mg", 16.99, 4.4},
		{"Stress Relief Essential Oil Blend", 14.99, 4.5},
		{"Acupressure Mat", 34.99, 4.3},
		{"Meditation App Annual Subscription", 69.99, 4.7},
	},
	"hydration": {
		{"Smart Water Bottle with Reminder", 29.99, 4.4},
		{"Electrolyte Powder (30 servings)", 22.99, 4.6},
		{"Himalayan Pink Salt", 9.99, 4.5},
		{"Coconut Water (12 pack)", 24.99, 4.3},
		{"Hydration Tracking App Premium", 4.99, 4.2},
	},
}

func productCategory(query string) string {
	q := strings.ToLower(query)
	switch {
	case strings.Contains(q, "stress"), strings.Contains(q, "anxiety"):
		return "stress"
	case strings.Contains(q, "water"), strings.Contains(q, "hydrat"):
		return "hydration"
	default:
		return "sleep"
	}
}

func (r *Registry) searchWellnessProducts(_ context.Context, args map[string]any) (any, error) {
	query := stringArg(args, "query", "")
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	limit := intArg(args, "max_results", 5)
	category := productCategory(query)
	lower := strings.ToLower(query)
	words := strings.Fields(lower)

	items := productCatalog[category]
	results := make([]map[string]any, 0, len(items))
	for i, p := range items {
		description := fmt.Sprintf("High-quality %s support product. %s helps with your wellness goals.", category, p.Name)
		relevance := 0.5
		switch {
		case strings.Contains(strings.ToLower(p.Name), lower):
			relevance = 0.9
		case containsAny(strings.ToLower(description), words):
			relevance = 0.7
		}
		results = append(results, map[string]any{
			"id":              fmt.Sprintf("prod-%03d", i+1),
			"name":            p.Name,
			"price":           p.Price,
			"rating":          p.Rating,
			"category":        category,
			"description":     description,
			"relevance_score": relevance,
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		ri, rj := results[i]["relevance_score"].(float64), results[j]["relevance_score"].(float64)
		if ri != rj {
			return ri > rj
		}
		return results[i]["rating"].(float64) > results[j]["rating"].(float64)
	})
	if limit > 0 && limit < len(results) {
		results = results[:limit]
	}
	return results, nil
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if w != "" && strings.Contains(text, w) {
			return true
		}
	}
	return false
}

type calendarEvent struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Start string `json:"start"`
	End   string `json:"end"`
}

func (r *Registry) calendar() []calendarEvent {
	day := r.now().UTC().Format("2006-01-02")
	at := func(hm string) string { return day + "T" + hm + ":00" }
	return []calendarEvent{
		{"evt-001", "Team Standup", at("09:00"), at("09:30")},
		{"evt-002", "Product Review", at("10:00"), at("11:00")},
		{"evt-003", "Client Call", at("11:00"), at("11:30")},
		{"evt-004", "Sprint Planning", at("14:00"), at("15:30")},
		{"evt-005", "Budget Meeting", at("18:30"), at("19:00")},
	}
}

func (r *Registry) optimizeCalendar(_ context.Context, args map[string]any) (any, error) {
	optType := strings.ToLower(stringArg(args, "optimization_type", "sleep"))
	events := r.calendar()

	var optimizations []map[string]any
	switch optType {
	case "sleep":
		var late []string
		for _, e := range events {
			if e.Start[strings.IndexByte(e.Start, 'T')+1:] >= "18:00" {
				late = append(late, e.ID)
			}
		}
		if len(late) > 0 {
			optimizations = append(optimizations, map[string]any{
				"type":            "reschedule",
				"description":     fmt.Sprintf("Consider moving %d evening meetings earlier for better sleep", len(late)),
				"impact":          "high",
				"affected_events": late,
			})
		}
		optimizations = append(optimizations, map[string]any{
			"type":           "block_time",
			"description":    "Block 21:00-22:00 for wind-down routine",
			"impact":         "high",
			"suggested_time": "21:00-22:00",
		})
	case "breaks":
		for i := 0; i+1 < len(events); i++ {
			if events[i].End == events[i+1].Start {
				optimizations = append(optimizations, map[string]any{
					"type":           "add_buffer",
					"description":    fmt.Sprintf("Add 15-minute break between '%s' and '%s'", events[i].Title, events[i+1].Title),
					"impact":         "medium",
					"between_events": []string{events[i].ID, events[i+1].ID},
				})
			}
		}
		optimizations = append(optimizations, map[string]any{
			"type":        "block_time",
			"description": "Schedule 5-minute breaks every hour",
			"impact":      "medium",
			"frequency":   "hourly",
		})
	case "focus_time":
		optimizations = append(optimizations, map[string]any{
			"type":           "block_time",
			"description":    "Reserve 9:00-11:00 for focused work (no meetings)",
			"impact":         "high",
			"suggested_time": "09:00-11:00",
		})
	default:
		return nil, fmt.Errorf("unsupported optimization type %q", optType)
	}

	return map[string]any{
		"current_schedule":  events,
		"total_meetings":    len(events),
		"optimizations":     optimizations,
		"optimization_type": optType,
		"timestamp":         r.timestamp(),
	}, nil
}

func (r *Registry) webSearch(_ context.Context, args map[string]any) (any, error) {
	query := stringArg(args, "query", "")
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	limit := intArg(args, "max_results", 5)

	var results []map[string]any
	if strings.Contains(strings.ToLower(query), "melatonin") {
		results = []map[string]any{
			{"title": "Nature Made Melatonin 3mg", "url": "https://example.com/nature-made-melatonin", "rating": 4.8, "price": "$12.99"},
			{"title": "Natrol Melatonin Fast Dissolve", "url": "https://example.com/natrol-melatonin", "rating": 4.6, "price": "$9.99"},
			{"title": "Life Extension Melatonin IR/XR", "url": "https://example.com/life-extension-melatonin", "rating": 4.7, "price": "$18.99"},
		}
	} else {
		results = []map[string]any{{
			"title":   fmt.Sprintf("Best %s for Wellness", query),
			"url":     "https://example.com/" + strings.ReplaceAll(query, " ", "-"),
			"snippet": fmt.Sprintf("Top-rated %s products reviewed by experts.", query),
			"rating":  4.5,
		}}
	}
	total := len(results)
	if limit > 0 && limit < len(results) {
		results = results[:limit]
	}
	return map[string]any{
		"query":         query,
		"results":       results,
		"total_results": total,
		"timestamp":     r.timestamp(),
	}, nil
}

var shortcuts = map[string][]string{
	"lock_apps":       {"Lock Instagram", "Lock Twitter", "Lock TikTok", "Dim screen to 20%"},
	"sleep_mode":      {"Enable Do Not Disturb", "Lock all apps", "Dim screen", "Enable Night Shift"},
	"morning_routine": {"Disable Do Not Disturb", "Show weather", "Show calendar", "Play morning playlist"},
}

func (r *Registry) executeShortcut(_ context.Context, args map[string]any) (any, error) {
	name := stringArg(args, "shortcut_name", "")
	actions, ok := shortcuts[name]
	if !ok {
		available := make([]string, 0, len(shortcuts))
		for k := range shortcuts {
			available = append(available, k)
		}
		sort.Strings(available)
		return nil, fmt.Errorf("shortcut %q not found, available: %s", name, strings.Join(available, ", "))
	}
	return map[string]any{
		"status":            "executed",
		"shortcut_name":     name,
		"actions_performed": actions,
		"timestamp":         r.timestamp(),
	}, nil
}

func (r *Registry) startScreentimeLimit(_ context.Context, args map[string]any) (any, error) {
	minutes := intArg(args, "minutes", 0)
	if minutes <= 0 {
		return nil, fmt.Errorf("minutes must be positive")
	}
	return map[string]any{
		"status":    "limit_started",
		"minutes":   minutes,
		"apps":      args["apps"],
		"timestamp": r.timestamp(),
	}, nil
}

func (r *Registry) activateScreentime(_ context.Context, args map[string]any) (any, error) {
	return map[string]any{
		"status":    "activated",
		"profile":   stringArg(args, "profile", "wind_down"),
		"timestamp": r.timestamp(),
	}, nil
}

// Package seed loads the starter polls and curated lessons into a store.
package seed

import (
	"context"
	"fmt"
	"time"

	"github.com/memelearn/service_layer/internal/domain/content"
	"github.com/memelearn/service_layer/internal/domain/poll"
	"github.com/memelearn/service_layer/internal/logging"
	"github.com/memelearn/service_layer/internal/storage"
)

// Store is what seeding writes to.
type Store interface {
	storage.PollStore
	storage.ContentStore
}

// Report counts what a run created.
type Report struct {
	Polls   int
	Lessons int
}

// Polls returns the starter polls, open from now.
func Polls(now time.Time) []poll.Poll {
	return []poll.Poll{
		{
			Question: "Which meme coin will perform best next month?",
			Options:  []string{"DOGE", "SHIB", "PEPE", "FLOKI"},
			EndDate:  now.Add(7 * 24 * time.Hour),
		},
		{
			Question: "What's the most important factor when choosing a meme coin?",
			Options:  []string{"Community Size", "Market Cap", "Utility", "Meme Quality"},
			EndDate:  now.Add(5 * 24 * time.Hour),
		},
	}
}

// Lessons returns the curated lessons.
func Lessons() []content.Content {
	lesson := func(title, description, category string) content.Content {
		return content.Content{
			Title:       title,
			Description: description,
			Topic:       title,
			Category:    category,
			Difficulty:  content.Beginner,
			Duration:    content.DefaultDurationSeconds,
		}
	}
	return []content.Content{
		lesson("What are Meme Coins?", "Learn the basics of meme coins and how they differ from traditional cryptocurrencies", content.CategoryBasics),
		lesson("Understanding Market Cap", "Why market cap matters when evaluating meme coin investments", content.CategoryAnalysis),
		lesson("Risk Management", "How to manage risk when trading volatile meme coins", content.CategoryStrategy),
		lesson("Community Analysis", "How to evaluate the strength of a meme coin community", content.CategoryAnalysis),
	}
}

// Run writes the starter data. Polls are skipped when any poll is already
// open and lessons are skipped per category when the category has content,
// so running it twice creates nothing new.
func Run(ctx context.Context, store Store, now time.Time, log *logging.Logger) (Report, error) {
	if log == nil {
		log = logging.NewDiscard("seed")
	}
	entry := log.Named("seed")
	var report Report

	open, err := store.ListActivePolls(ctx, now, 1)
	if err != nil {
		return report, fmt.Errorf("list polls: %w", err)
	}
	if len(open) == 0 {
		for _, p := range Polls(now) {
			p = p.Prepare(now)
			if err := p.Validate(now); err != nil {
				return report, err
			}
			if _, err := store.CreatePoll(ctx, p); err != nil {
				return report, fmt.Errorf("create poll: %w", err)
			}
			report.Polls++
		}
	}

	seeded := map[string]bool{}
	for _, c := range Lessons() {
		has, ok := seeded[c.Category]
		if !ok {
			existing, err := store.ListContent(ctx, c.Category, 1)
			if err != nil {
				return report, fmt.Errorf("list content: %w", err)
			}
			has = len(existing) > 0
			seeded[c.Category] = has
		}
		if has {
			continue
		}
		c.WordCount = content.WordCount(c.Description)
		if _, err := store.CreateContent(ctx, c); err != nil {
			return report, fmt.Errorf("create content: %w", err)
		}
		report.Lessons++
	}

	entry.WithField("polls", report.Polls).WithField("lessons", report.Lessons).Info("seed complete")
	return report, nil
}

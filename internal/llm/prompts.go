package llm

import (
	"fmt"
	"strings"

	"github.com/memelearn/service_layer/internal/domain/content"
	"github.com/memelearn/service_layer/internal/marketdata"
)

const (
	educatorSystem = "You are an expert cryptocurrency educator specializing in meme coins. " +
		"Create engaging, accurate, and easy-to-understand educational content."
	analystSystem = "You are a cryptocurrency market analyst. Provide educational market analysis " +
		"without giving financial advice."
	strategySystem = "You are a cryptocurrency trading educator. Provide educational trading strategies " +
		"with strong emphasis on risk management."
	quizSystem = "You are an educational content creator specializing in cryptocurrency quizzes."
)

var difficultyInstructions = map[string]string{
	content.Beginner:     "Use simple language, avoid jargon, and focus on basic concepts.",
	content.Intermediate: "Include some technical terms with explanations, and provide more detailed analysis.",
	content.Advanced:     "Use technical language, include complex concepts, and provide in-depth analysis.",
}

func lessonPrompt(r content.Request) string {
	return fmt.Sprintf(`Create a %d-second educational video script about %q in meme coin trading.

Difficulty Level: %s
Instructions: %s

Requirements:
- Script should be exactly %d seconds when read aloud (approximately %d words)
- Include a catchy title
- Add a brief description (1-2 sentences)
- Make it engaging and memorable
- Include practical tips or examples
- Add relevant emojis for visual appeal
- End with a clear takeaway

Format your response as JSON:
{
  "title": "Catchy title here",
  "description": "Brief description here",
  "script": "Full video script here",
  "keyPoints": ["point 1", "point 2", "point 3"],
  "takeaway": "Main takeaway message"
}`, r.Duration, r.Topic, r.Difficulty, difficultyInstructions[r.Difficulty], r.Duration, r.Duration*5/2)
}

func analysisPrompt(q marketdata.CoinQuote) string {
	return fmt.Sprintf(`Analyze the market data for %s (%s):

Current Price: $%s
24h Change: %s
Market Cap: %s
Volume 24h: %s

Provide a brief analysis (100-150 words) covering:
1. Price movement interpretation
2. Market sentiment
3. Key factors to watch
4. Risk assessment

Keep it educational and balanced. Avoid giving financial advice.`,
		q.Name, q.Symbol, q.Price.String(),
		measure(q.ChangePercent24h, "%.2f%%"), measure(q.MarketCap, "$%.0f"), measure(q.Volume24h, "$%.0f"))
}

func strategyPrompt(r StrategyRequest) string {
	return fmt.Sprintf(`Create a personalized meme coin trading strategy for:

Risk Tolerance: %s
Investment Goals: %s
Experience Level: %s

Provide:
1. Recommended portfolio allocation
2. Entry/exit strategies
3. Risk management tips
4. Specific considerations for meme coins
5. Common mistakes to avoid

Keep it educational and emphasize risk management. Limit to 200 words.`,
		r.RiskTolerance, strings.Join(r.InvestmentGoals, ", "), r.Experience)
}

func quizPrompt(topic, difficulty string, count int) string {
	return fmt.Sprintf(`Create %d multiple-choice quiz questions about %q in meme coin trading.

Difficulty: %s

Format as JSON:
{
  "questions": [
    {
      "question": "Question text",
      "options": ["A", "B", "C", "D"],
      "correctAnswer": 0,
      "explanation": "Why this answer is correct"
    }
  ]
}`, count, topic, difficulty)
}

func measure(m marketdata.Measure, format string) string {
	if !m.Known {
		return "n/a"
	}
	return fmt.Sprintf(format, m.Value)
}

package captcha

import "math/rand"

// AnswerOptions builds the shuffled button set for a challenge: the
// correct answer plus up to count-1 distinct decoys.
func AnswerOptions(correct string, count int) []string {
	options := []string{correct}
	for _, variant := range rand.Perm(len(answerVariants)) {
		if len(options) >= count {
			break
		}
		if answerVariants[variant] == correct {
			continue
		}
		options = append(options, answerVariants[variant])
	}
	rand.Shuffle(len(options), func(i, j int) {
		options[i], options[j] = options[j], options[i]
	})
	return options
}

package persona

// keywords are matched as substrings of the lower-cased utterance.
var keywords = map[Mode][]string{
	ModeAnchor: {
		"anxious", "anxiety", "scared", "panic", "overwhelmed", "stressed",
		"afraid", "worried", "hopeless", "terrified", "upset", "lonely",
		"crying", "can't cope", "nervous", "depressed",
	},
	ModeTeacher: {
		"explain", "how does", "how do", "teach", "learn", "understand",
		"tutorial", "example", "step by step", "what is", "difference between",
		"show me how",
	},
	ModePhilosopher: {
		"meaning", "purpose", "existence", "ethics", "moral", "believe",
		"consciousness", "truth", "free will", "why do we", "philosophy",
		"reality",
	},
	ModeFriend: {
		"hey", "lol", "haha", "chat", "fun", "weekend", "movie", "game",
		"joke", "bored", "hang out", "guess what",
	},
}

var selfHarmPhrases = []string{
	"kill myself",
	"killing myself",
	"suicide",
	"suicidal",
	"end my life",
	"self harm",
	"self-harm",
	"hurt myself",
	"want to die",
	"no reason to live",
	"cut myself",
}

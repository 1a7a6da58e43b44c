package jobs

// Kind is the closed set of job types. Adding a kind means extending this
// enum and the processor's routing table; unknown strings from the store are
// rejected at dispatch, not silently skipped.
type Kind int

const (
	KindUnknown Kind = iota
	KindGeneratePost
	KindBotCycle
	KindCrewComment
	KindRecalcEngagement
)

const (
	nameGeneratePost     = "generate_post"
	nameBotCycle         = "bot_cycle"
	nameCrewComment      = "crew_comment"
	nameRecalcEngagement = "recalc_engagement"
)

func (k Kind) String() string {
	switch k {
	case KindGeneratePost:
		return nameGeneratePost
	case KindBotCycle:
		return nameBotCycle
	case KindCrewComment:
		return nameCrewComment
	case KindRecalcEngagement:
		return nameRecalcEngagement
	default:
		return "unknown"
	}
}

// ParseKind maps a stored kind name back to the enum.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case nameGeneratePost:
		return KindGeneratePost, true
	case nameBotCycle:
		return KindBotCycle, true
	case nameCrewComment:
		return KindCrewComment, true
	case nameRecalcEngagement:
		return KindRecalcEngagement, true
	default:
		return KindUnknown, false
	}
}

// BotScoped reports whether jobs of this kind require an owning bot.
func (k Kind) BotScoped() bool {
	switch k {
	case KindGeneratePost, KindBotCycle:
		return true
	default:
		return false
	}
}

// CallsGenerator reports whether this kind's handler talks to rate-limited
// generation providers. The processor gates these with the global
// calls-per-minute throttle.
func (k Kind) CallsGenerator() bool {
	switch k {
	case KindGeneratePost, KindBotCycle, KindCrewComment:
		return true
	default:
		return false
	}
}

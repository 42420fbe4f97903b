package gen

import (
	"github.com/haiyenle/mindmate/internal/language"
)

// Fallback replies used when the generation service is unreachable or
// misconfigured. The conversation must never dead-end on an error, so one of
// these is substituted for the reply, matched to the user's language.
var fallbackPools = map[language.Lang][]string{
	language.Vietnamese: {
		"Tôi hiểu bạn đang gặp khó khăn. Mặc dù tôi không thể kết nối với dịch vụ AI ngay lúc này, nhưng tôi muốn bạn biết rằng cảm xúc của bạn hoàn toàn bình thường. Hãy thử thở sâu và nhớ rằng mọi khó khăn đều sẽ qua đi.",
		"Cảm ơn bạn đã chia sẻ với tôi. Tôi đang gặp chút vấn đề kỹ thuật, nhưng tôi muốn khuyến khích bạn tiếp tục tìm kiếm sự hỗ trợ. Bạn đã rất dũng cảm khi tìm đến sự giúp đỡ.",
		"Mặc dù có chút trục trặc kỹ thuật, tôi vẫn muốn bạn biết rằng những gì bạn đang cảm thấy là quan trọng. Hãy chăm sóc bản thân và nhớ rằng bạn không đơn độc trong hành trình này.",
		"Tôi thấy bạn đang cần sự hỗ trợ. Dù có vấn đề kỹ thuật, tôi vẫn muốn nhắc bạn rằng việc học tập và phát triển bản thân là một quá trình, hãy kiên nhẫn với chính mình.",
		"Cảm ơn bạn đã tin tưởng chia sẻ. Mặc dù hệ thống đang gặp sự cố nhỏ, nhưng tôi muốn bạn biết rằng mọi thử thách đều là cơ hội để bạn trưởng thành hơn.",
	},
	language.English: {
		"I understand you're going through a difficult time. While I'm experiencing some technical issues right now, I want you to know that your feelings are completely valid. Please try taking some deep breaths and remember that every challenge will pass.",
		"Thank you for sharing with me. I'm having some technical difficulties at the moment, but I want to encourage you to continue seeking support. You've shown real courage by reaching out for help.",
		"Despite some technical issues, I want you to know that what you're feeling is important. Please take care of yourself and remember that you're not alone in this journey.",
		"I can see you need support right now. Even with these technical problems, I want to remind you that learning and personal growth is a process - please be patient with yourself.",
		"Thank you for trusting me with your thoughts. Although the system is having minor issues, I want you to know that every challenge is an opportunity for you to grow stronger.",
	},
}

// FallbackPool returns the fallback replies for a language
func FallbackPool(lang language.Lang) []string {
	pool, ok := fallbackPools[lang]
	if !ok {
		pool = fallbackPools[language.English]
	}
	result := make([]string, len(pool))
	copy(result, pool)
	return result
}

package session

import (
	"strings"

	"github.com/chriscow/voice-session-go/pkg/fault"
)

// Transcript texts shown to the user.
const (
	Greeting         = "무엇을 도와드릴까요?\n예: ‘내일 비 오면 환기 알림 설정해줘’"
	VoicePlaceholder = "🎤 (음성 메시지 전송)"
	ReplyPlaceholder = "…"
	EmptyAnswer      = "(응답 없음)"
	PermissionText   = "마이크 권한을 허용해 주세요."

	heardPrefix        = "📝 인식: "
	alarmPrefix        = "🔔 "
	textFailurePrefix  = "서버 연결 실패: "
	voiceFailurePrefix = "음성 전송 실패: "
	devicePrefix       = "마이크를 사용할 수 없습니다: "
)

// heardText is the final text of a voice user entry. Without a transcript
// the entry keeps its placeholder wording.
func heardText(transcript string) string {
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return VoicePlaceholder
	}
	return heardPrefix + transcript
}

func answerText(text string) string {
	if strings.TrimSpace(text) == "" {
		return EmptyAnswer
	}
	return text
}

func failureText(voice bool, err error) string {
	if voice {
		return voiceFailurePrefix + err.Error()
	}
	return textFailurePrefix + err.Error()
}

func captureFailureText(err error) string {
	if fault.KindOf(err) == fault.KindPermissionDenied {
		return PermissionText
	}
	return devicePrefix + err.Error()
}

func alarmText(message string) string {
	return alarmPrefix + message
}

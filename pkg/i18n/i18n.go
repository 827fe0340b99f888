package i18n

import (
	"encoding/json"
	"log"
	"path/filepath"

	apperrors "Murmur/pkg/errors"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

// I18nSupport 国际化支持结构体
type I18nSupport struct {
	bundle *i18n.Bundle
}

// 内置文案，locales 目录下的同名 key 会覆盖
var builtin = map[language.Tag][]*i18n.Message{
	language.English: {
		{ID: "error.capture_unavailable", Other: "Microphone is not available. Check the permission in Settings."},
		{ID: "error.recording_failed", Other: "Recording failed. Please try again."},
		{ID: "error.transcription_failed", Other: "Transcript is not available for this clip."},
		{ID: "error.conversion_failed", Other: "Could not apply {{.Name}}'s voice. Your own voice will be used."},
		{ID: "error.upload_failed", Other: "Upload failed. Your recording is kept, tap send to retry."},
		{ID: "error.publish_record_failed", Other: "Could not save your post. Please try again."},
		{ID: "error.playback_failed", Other: "Could not play this audio."},
		{ID: "error.invalid_draft", Other: "Your post is missing something: {{.Detail}}"},
		{ID: "error.invalid_transition", Other: "That action is not available right now."},
		{ID: "error.duplicate_submit", Other: "Already sending."},
		{ID: "error.timeout", Other: "The request took too long."},
		{ID: "error.unknown", Other: "Something went wrong."},
		{ID: "recording.remaining", One: "{{.Count}} second left", Other: "{{.Count}} seconds left"},
		{ID: "publish.points", One: "+{{.Count}} point", Other: "+{{.Count}} points"},
	},
	language.Chinese: {
		{ID: "error.capture_unavailable", Other: "无法使用麦克风，请在设置中开启权限"},
		{ID: "error.recording_failed", Other: "录音失败，请重试"},
		{ID: "error.transcription_failed", Other: "该录音暂无文字稿"},
		{ID: "error.conversion_failed", Other: "无法使用{{.Name}}的声音，将使用你自己的声音"},
		{ID: "error.upload_failed", Other: "上传失败，录音已保留，点击发送重试"},
		{ID: "error.publish_record_failed", Other: "发布失败，请重试"},
		{ID: "error.playback_failed", Other: "无法播放该音频"},
		{ID: "error.invalid_draft", Other: "内容不完整：{{.Detail}}"},
		{ID: "error.invalid_transition", Other: "当前无法执行该操作"},
		{ID: "error.duplicate_submit", Other: "正在发送中"},
		{ID: "error.timeout", Other: "请求超时"},
		{ID: "error.unknown", Other: "出错了"},
		{ID: "recording.remaining", Other: "剩余 {{.Count}} 秒"},
		{ID: "publish.points", Other: "+{{.Count}} 积分"},
	},
}

// NewI18nSupport 初始化国际化支持
// localesDir 为空时只使用内置文案
func NewI18nSupport(defaultLang, localesDir string) (*I18nSupport, error) {
	tag, err := language.Parse(defaultLang)
	if err != nil {
		return nil, err
	}
	bundle := i18n.NewBundle(tag)
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)

	for t, msgs := range builtin {
		if err := bundle.AddMessages(t, msgs...); err != nil {
			return nil, err
		}
	}

	if localesDir != "" {
		for _, name := range []string{"zh.json", "en.json"} {
			if _, err := bundle.LoadMessageFile(filepath.Join(localesDir, name)); err != nil {
				// 不返回错误，内置文案兜底
				log.Printf("failed to load %s: %v", name, err)
			}
		}
	}

	return &I18nSupport{
		bundle: bundle,
	}, nil
}

// T 获取翻译文本
func (i *I18nSupport) T(languageTag, key string, templateData map[string]interface{}) string {
	return i.localize(i18n.NewLocalizer(i.bundle, languageTag), &i18n.LocalizeConfig{
		MessageID:    key,
		TemplateData: templateData,
	})
}

// TWithDefaultLang 使用默认语言获取翻译文本
func (i *I18nSupport) TWithDefaultLang(key string, templateData map[string]interface{}) string {
	return i.localize(i18n.NewLocalizer(i.bundle), &i18n.LocalizeConfig{
		MessageID:    key,
		TemplateData: templateData,
	})
}

// Plural 带数量的文案
func (i *I18nSupport) Plural(languageTag, key string, count int) string {
	return i.localize(i18n.NewLocalizer(i.bundle, languageTag), &i18n.LocalizeConfig{
		MessageID:    key,
		PluralCount:  count,
		TemplateData: map[string]interface{}{"Count": count},
	})
}

// Error 根据错误类型返回面向用户的提示
func (i *I18nSupport) Error(languageTag string, err error, templateData map[string]interface{}) string {
	if err == nil {
		return ""
	}
	kind := apperrors.KindOf(err)
	key := "error.unknown"
	if kind != apperrors.KindUnknown {
		key = "error." + string(kind)
	}
	if templateData == nil {
		templateData = map[string]interface{}{}
	}
	if _, ok := templateData["Detail"]; !ok {
		templateData["Detail"] = apperrors.GetMessage(err)
	}
	if _, ok := templateData["Name"]; !ok {
		templateData["Name"] = "the selected"
	}
	return i.T(languageTag, key, templateData)
}

func (i *I18nSupport) localize(l *i18n.Localizer, cfg *i18n.LocalizeConfig) string {
	translation, err := l.Localize(cfg)
	if err != nil {
		log.Printf("Error translating key %s: %v", cfg.MessageID, err)
		return cfg.MessageID // 返回键名作为默认值
	}
	return translation
}

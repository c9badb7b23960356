package engine

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"text/template"
)

// KeyContext — данные для шаблона ключа экземпляра.
//
// Доступны как поля ({{ .item }}, {{ .index }}, {{ .step }})
// и как функции ({{ item }}, {{ step }}).
type KeyContext struct {
	Step  string
	Index int
	Item  string
}

// data возвращает данные для шаблона с ключами в нижнем регистре.
func (k KeyContext) data() map[string]any {
	return map[string]any{
		"step":  k.Step,
		"index": k.Index,
		"item":  k.Item,
	}
}

// HeaderContext — данные для шаблона заголовка job script.
//
//	{{ .Key }} {{ .Step }} {{ .WorkDir }} {{ .Index }} {{ .Item }}
type HeaderContext struct {
	Key     string
	Step    string
	WorkDir string
	Index   int
	Item    string
}

// templateFuncs — дополнительные функции для шаблонов.
var templateFuncs = template.FuncMap{
	// default — возвращает значение по умолчанию, если второй аргумент пустой
	"default": func(def, val any) any {
		if val == nil {
			return def
		}
		if s, ok := val.(string); ok && s == "" {
			return def
		}
		return val
	},

	// pad — дополняет число нулями слева: {{ pad 3 .index }} → 007
	"pad": func(width, n int) string {
		return fmt.Sprintf("%0*d", width, n)
	},

	"join":      func(sep string, items []string) string { return strings.Join(items, sep) },
	"lower":     strings.ToLower,
	"upper":     strings.ToUpper,
	"trim":      strings.TrimSpace,
	"replace":   strings.ReplaceAll,
	"hasPrefix": strings.HasPrefix,
	"hasSuffix": strings.HasSuffix,
}

// Render рендерит строковый шаблон с данными.
func Render(tmpl string, data any) (string, error) {
	return render(tmpl, data, nil)
}

func render(tmpl string, data any, extra template.FuncMap) (string, error) {
	// Проверяем, содержит ли строка шаблонные выражения
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}

	t := template.New("").Funcs(templateFuncs)
	if extra != nil {
		t = t.Funcs(extra)
	}

	t, err := t.Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateParse, err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateRender, err)
	}

	return buf.String(), nil
}

// DefaultKey возвращает ключ экземпляра по умолчанию.
//
// Шаг без слайсов имеет ключ, равный имени шага; экземпляр i шага
// со слайсами — "<step>-<i>".
func DefaultKey(step string, index int, sliced bool) string {
	if !sliced {
		return step
	}
	return step + "-" + strconv.Itoa(index)
}

// RenderKey рендерит ключ экземпляра.
// Пустой шаблон даёт ключ по умолчанию "<step>-<index>".
func RenderKey(tmpl string, kc KeyContext) (string, error) {
	if tmpl == "" {
		return DefaultKey(kc.Step, kc.Index, true), nil
	}

	key, err := render(tmpl, kc.data(), template.FuncMap{
		"item": func() string { return kc.Item },
		"step": func() string { return kc.Step },
	})
	if err != nil {
		return "", err
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: key template %q rendered empty key", ErrTemplateRender, tmpl)
	}
	if strings.ContainsAny(key, "/\\ \t\n") {
		return "", fmt.Errorf("%w: key %q contains path separators or spaces", ErrTemplateRender, key)
	}
	return key, nil
}

// RenderHeader рендерит заголовок job script для экземпляра.
func RenderHeader(tmpl string, hc HeaderContext) (string, error) {
	return Render(tmpl, hc)
}

// MustRender рендерит шаблон и паникует при ошибке.
// Используется только для тестов.
func MustRender(tmpl string, data any) string {
	result, err := Render(tmpl, data)
	if err != nil {
		panic(err)
	}
	return result
}

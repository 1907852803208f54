// Package ignore filters local directory trees before they are imported into
// an object store. Rules use gitignore syntax; a .rvignore file in any
// directory applies to the paths below it.
package ignore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
)

// FileName 是目录树导入时读取的忽略规则文件
const FileName = ".rvignore"

// DefaultRules 总是生效：工作区元数据、版本库目录、编辑器与系统产生的临时文件
var DefaultRules = []string{
	".rv/",
	".git/",
	FileName,
	".DS_Store",
	"Thumbs.db",
	"*.swp",
}

// scope 是挂在某个目录上的一组规则，base 为 "" 表示导入根
type scope struct {
	base  string
	rules *gitignore.GitIgnore
}

// Matcher 不是并发安全的，一次遍历使用一个
type Matcher struct {
	root   string
	scopes []scope
}

// NewMatcher 以 root 为导入根构造匹配器，加载默认规则、extra 以及
// root/.rvignore。
func NewMatcher(root string, extra ...string) (*Matcher, error) {
	lines := append(append([]string{}, DefaultRules...), extra...)
	fileLines, err := readRules(filepath.Join(root, FileName))
	if err != nil {
		return nil, err
	}
	lines = append(lines, fileLines...)

	return &Matcher{
		root:   root,
		scopes: []scope{{rules: gitignore.CompileIgnoreLines(lines...)}},
	}, nil
}

// Enter 在遍历进入子目录 rel 时调用，加载该目录中的 .rvignore (如果有)
func (m *Matcher) Enter(rel string) error {
	rel = filepath.ToSlash(rel)
	if m == nil || rel == "" || rel == "." {
		return nil
	}
	lines, err := readRules(filepath.Join(m.root, filepath.FromSlash(rel), FileName))
	if err != nil {
		return err
	}
	if len(lines) > 0 {
		m.scopes = append(m.scopes, scope{base: rel, rules: gitignore.CompileIgnoreLines(lines...)})
	}
	return nil
}

// Ignored 报告相对导入根的路径是否应被跳过。
// 目录被忽略时调用方应跳过整棵子树。
func (m *Matcher) Ignored(rel string, isDir bool) bool {
	if m == nil {
		return false
	}
	rel = path.Clean(filepath.ToSlash(rel))
	for _, s := range m.scopes {
		sub := rel
		if s.base != "" {
			if !strings.HasPrefix(rel, s.base+"/") {
				continue
			}
			sub = strings.TrimPrefix(rel, s.base+"/")
		}
		if s.rules.MatchesPath(sub) {
			return true
		}
		// "dir/" 形式的规则只匹配目录
		if isDir && s.rules.MatchesPath(sub+"/") {
			return true
		}
	}
	return false
}

func readRules(file string) ([]string, error) {
	data, err := os.ReadFile(file)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", file, err)
	}
	return strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n"), nil
}

package formmeta

// Catalog indexes the ICD-11 option set by code.
type Catalog struct {
	options     map[string]Option
	chapterAttr string
	groupAttr   string
}

// Catalog builds a code index over the mapping's ICD-11 options.
func (m *Mapping) Catalog() *Catalog {
	c := &Catalog{
		options:     make(map[string]Option, len(m.ICD11Options)),
		chapterAttr: m.OptionAttributes[OptionChapter],
		groupAttr:   m.OptionAttributes[OptionGroup],
	}
	for _, o := range m.ICD11Options {
		c.options[o.Code] = o
	}
	return c
}

// Name returns the display name of code, or "" if unknown.
func (c *Catalog) Name(code string) string {
	return c.options[code].Name
}

// Chapter returns the ICD-11 chapter recorded for code.
func (c *Catalog) Chapter(code string) string {
	return c.attribute(code, c.chapterAttr)
}

// Group returns the ICD-11 group recorded for code.
func (c *Catalog) Group(code string) string {
	return c.attribute(code, c.groupAttr)
}

// Contains reports whether code is in the option set.
func (c *Catalog) Contains(code string) bool {
	_, ok := c.options[code]
	return ok
}

func (c *Catalog) attribute(code, attr string) string {
	if attr == "" {
		return ""
	}
	for _, av := range c.options[code].AttributeValues {
		if av.Attribute == attr {
			return av.Value
		}
	}
	return ""
}

// ResultValues returns the underlying-cause result fields for code, keyed by
// data element name. An empty code clears the result and its report.
func (c *Catalog) ResultValues(code string) map[string]string {
	if code == "" {
		return map[string]string{
			DEUnderlyingCOD:        "",
			DEUnderlyingCODCode:    "",
			DEUnderlyingCODChapter: "",
			DEUnderlyingCODGroup:   "",
			DEUnderlyingCODReport:  "",
		}
	}
	return map[string]string{
		DEUnderlyingCOD:        code,
		DEUnderlyingCODCode:    code,
		DEUnderlyingCODChapter: c.Chapter(code),
		DEUnderlyingCODGroup:   c.Group(code),
	}
}

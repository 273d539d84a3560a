package metadata

import (
	"errors"
	"fmt"
	"sort"

	"relgraph/internal/naming"
)

var (
	// ErrUnknownEntity indicates a lookup for an entity that is not registered.
	ErrUnknownEntity = errors.New("unknown entity")
	// ErrInvalidModel indicates metadata that cannot be linked.
	ErrInvalidModel = errors.New("invalid entity model")
)

// Registry maps entity names to metadata.
type Registry struct {
	namer    *naming.Namer
	entities map[string]*Entity
	order    []string
	linked   bool
}

// NewRegistry creates an empty registry. A nil namer uses naming defaults.
func NewRegistry(namer *naming.Namer) *Registry {
	if namer == nil {
		namer = naming.Default()
	}
	return &Registry{
		namer:    namer,
		entities: make(map[string]*Entity),
	}
}

// Add registers entities. Entities must be added before Link.
func (r *Registry) Add(entities ...*Entity) error {
	if r.linked {
		return fmt.Errorf("%w: registry already linked", ErrInvalidModel)
	}
	for _, entity := range entities {
		if entity == nil || entity.Name == "" {
			return fmt.Errorf("%w: entity name is required", ErrInvalidModel)
		}
		if _, ok := r.entities[entity.Name]; ok {
			return fmt.Errorf("%w: duplicate entity %s", ErrInvalidModel, entity.Name)
		}
		r.entities[entity.Name] = entity
		r.order = append(r.order, entity.Name)
	}
	return nil
}

// Get returns the metadata for an entity.
func (r *Registry) Get(name string) (*Entity, error) {
	entity, ok := r.entities[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, name)
	}
	return entity, nil
}

// MustGet returns the metadata for an entity or panics. Intended for tests
// and static wiring.
func (r *Registry) MustGet(name string) *Entity {
	entity, err := r.Get(name)
	if err != nil {
		panic(err)
	}
	return entity
}

// Entities returns all entities in registration order.
func (r *Registry) Entities() []*Entity {
	out := make([]*Entity, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entities[name])
	}
	return out
}

// Link applies naming defaults, merges single-table-inheritance hierarchies
// and resolves relation targets. It must be called once after all entities
// are added and before the registry is used.
func (r *Registry) Link() error {
	if r.linked {
		return nil
	}

	roots := make([]*Entity, 0, len(r.order))
	children := make([]*Entity, 0)
	for _, entity := range r.Entities() {
		if entity.Extends == "" {
			roots = append(roots, entity)
		} else {
			children = append(children, entity)
		}
	}

	for _, entity := range roots {
		if err := r.linkColumns(entity); err != nil {
			return err
		}
	}
	// Subtypes are linked in dependency order so chains resolve.
	pending := children
	for len(pending) > 0 {
		progress := false
		next := pending[:0:0]
		for _, entity := range pending {
			parent, ok := r.entities[entity.Extends]
			if !ok {
				return fmt.Errorf("%w: %s extends unknown entity %s", ErrInvalidModel, entity.Name, entity.Extends)
			}
			if parent.Root == nil {
				next = append(next, entity)
				continue
			}
			if err := r.linkSubtype(entity, parent); err != nil {
				return err
			}
			progress = true
		}
		if !progress {
			return fmt.Errorf("%w: inheritance cycle involving %s", ErrInvalidModel, next[0].Name)
		}
		pending = next
	}
	for _, entity := range children {
		for cur := entity; cur.Extends != ""; cur = r.entities[cur.Extends] {
			cur.subtypeValues = append(cur.subtypeValues, entity.DiscriminatorValue)
		}
	}
	for _, entity := range children {
		sort.Strings(entity.subtypeValues)
		entity.subtypeValues = dedupe(entity.subtypeValues)
	}

	for _, entity := range r.Entities() {
		entity.buildIndex()
	}
	// Key relations first: their FK columns become other entities' key widths.
	for _, entity := range r.Entities() {
		for _, prop := range entity.Properties {
			if !prop.Primary || prop.Kind != KindToOneOwner {
				continue
			}
			if err := r.linkRelation(entity, prop); err != nil {
				return err
			}
		}
	}
	for _, entity := range r.Entities() {
		for _, prop := range entity.Properties {
			if prop.Primary && prop.Kind == KindToOneOwner {
				continue
			}
			if err := r.linkRelation(entity, prop); err != nil {
				return err
			}
		}
	}
	for _, entity := range r.Entities() {
		for _, prop := range entity.Properties {
			if err := r.linkInverse(entity, prop); err != nil {
				return err
			}
		}
	}

	r.linked = true
	return nil
}

func (r *Registry) linkColumns(entity *Entity) error {
	entity.Root = entity
	entity.declared = append([]*Property(nil), entity.Properties...)
	if entity.Table == "" {
		entity.Table = r.namer.TableName(entity.Name)
	}
	for _, prop := range entity.Properties {
		if err := r.applyPropertyDefaults(entity, prop); err != nil {
			return err
		}
	}
	entity.buildIndex()
	if err := r.linkPrimaryKeys(entity); err != nil {
		return err
	}
	if entity.DiscriminatorColumn != "" {
		if _, ok := entity.Property(entity.DiscriminatorColumn); !ok {
			return fmt.Errorf("%w: %s discriminator %s is not a property", ErrInvalidModel, entity.Name, entity.DiscriminatorColumn)
		}
		if entity.DiscriminatorMap == nil {
			entity.DiscriminatorMap = make(map[string]string)
		}
		if entity.DiscriminatorValue != "" {
			entity.DiscriminatorMap[entity.DiscriminatorValue] = entity.Name
		}
	}
	return nil
}

func (r *Registry) applyPropertyDefaults(entity *Entity, prop *Property) error {
	if prop.Name == "" {
		return fmt.Errorf("%w: %s has a property without a name", ErrInvalidModel, entity.Name)
	}
	if !prop.Strategy.Valid() {
		return fmt.Errorf("%w: %s.%s has unknown strategy %q", ErrInvalidModel, entity.Name, prop.Name, prop.Strategy)
	}
	switch prop.Kind {
	case KindScalar:
		if len(prop.FieldNames) == 0 {
			prop.FieldNames = []string{r.namer.ColumnName(prop.Name)}
		}
	case KindEmbedded:
		if prop.Object {
			if len(prop.FieldNames) == 0 {
				prop.FieldNames = []string{r.namer.ColumnName(prop.Name)}
			}
			if prop.Type == "" {
				prop.Type = TypeJSON
			}
		} else {
			for _, child := range prop.Embedded {
				if child.Kind == KindEmbedded && !child.Object {
					for _, grandchild := range child.Embedded {
						if len(grandchild.FieldNames) == 0 {
							grandchild.FieldNames = []string{r.namer.EmbeddedColumnName(prop.Name, r.namer.EmbeddedColumnName(child.Name, grandchild.Name))}
						}
					}
					continue
				}
				if len(child.FieldNames) == 0 {
					child.FieldNames = []string{r.namer.EmbeddedColumnName(prop.Name, child.Name)}
				}
			}
		}
	}
	if prop.Kind.IsRelation() && prop.Target == "" {
		return fmt.Errorf("%w: %s.%s relation has no target", ErrInvalidModel, entity.Name, prop.Name)
	}
	return nil
}

func (r *Registry) linkPrimaryKeys(entity *Entity) error {
	if len(entity.PrimaryKeys) == 0 {
		for _, prop := range entity.Properties {
			if prop.Primary {
				entity.PrimaryKeys = append(entity.PrimaryKeys, prop.Name)
			}
		}
	}
	if len(entity.PrimaryKeys) == 0 {
		if _, ok := entity.Property("id"); ok {
			entity.PrimaryKeys = []string{"id"}
		}
	}
	if len(entity.PrimaryKeys) == 0 {
		return fmt.Errorf("%w: %s has no primary key", ErrInvalidModel, entity.Name)
	}
	for _, name := range entity.PrimaryKeys {
		prop, ok := entity.Property(name)
		if !ok {
			return fmt.Errorf("%w: %s primary key %s is not a property", ErrInvalidModel, entity.Name, name)
		}
		if prop.Kind != KindScalar && prop.Kind != KindToOneOwner {
			return fmt.Errorf("%w: %s primary key %s must be a scalar or owning to-one", ErrInvalidModel, entity.Name, name)
		}
		prop.Primary = true
	}
	return nil
}

// linkSubtype shares the root's table and merges the subtype's properties
// into the root so root queries can read every subtype's columns.
func (r *Registry) linkSubtype(entity, parent *Entity) error {
	root := parent.Root
	entity.Root = root
	entity.Table = root.Table
	entity.PrimaryKeys = append([]string(nil), root.PrimaryKeys...)
	entity.DiscriminatorColumn = root.DiscriminatorColumn
	if root.DiscriminatorColumn == "" {
		return fmt.Errorf("%w: %s extends %s which has no discriminator", ErrInvalidModel, entity.Name, root.Name)
	}
	if entity.DiscriminatorValue == "" {
		return fmt.Errorf("%w: %s requires a discriminator value", ErrInvalidModel, entity.Name)
	}
	if existing, ok := root.DiscriminatorMap[entity.DiscriminatorValue]; ok && existing != entity.Name {
		return fmt.Errorf("%w: discriminator value %q used by %s and %s", ErrInvalidModel, entity.DiscriminatorValue, existing, entity.Name)
	}
	root.DiscriminatorMap[entity.DiscriminatorValue] = entity.Name

	own := entity.Properties
	for _, prop := range own {
		if err := r.applyPropertyDefaults(entity, prop); err != nil {
			return err
		}
	}

	inherited := parent.Properties
	if parent == root {
		inherited = root.declared
	}
	merged := make([]*Property, 0, len(inherited)+len(own))
	ownByName := make(map[string]*Property, len(own))
	for _, prop := range own {
		ownByName[prop.Name] = prop
	}
	placed := make(map[string]struct{}, len(inherited))
	for _, rootProp := range inherited {
		placed[rootProp.Name] = struct{}{}
		if sub, ok := ownByName[rootProp.Name]; ok {
			merged = append(merged, sub)
			continue
		}
		merged = append(merged, rootProp)
	}
	for _, prop := range own {
		if _, ok := placed[prop.Name]; !ok {
			merged = append(merged, prop)
		}
		rootProp, ok := root.Property(prop.Name)
		if !ok {
			copied := *prop
			copied.Nullable = true
			root.Properties = append(root.Properties, &copied)
			root.buildIndex()
			continue
		}
		if prop.Kind == KindScalar && len(prop.FieldNames) == 1 && len(rootProp.FieldNames) == 1 &&
			prop.FieldNames[0] != rootProp.FieldNames[0] {
			if rootProp.STIFieldNames == nil {
				rootProp.STIFieldNames = make(map[string]string)
				for value, name := range root.DiscriminatorMap {
					if name == root.Name {
						rootProp.STIFieldNames[value] = rootProp.FieldNames[0]
					}
				}
			}
			rootProp.STIFieldNames[entity.DiscriminatorValue] = prop.FieldNames[0]
			prop.STIFieldNames = rootProp.STIFieldNames
		}
	}
	entity.Properties = merged
	entity.buildIndex()
	return nil
}

func (r *Registry) linkRelation(entity *Entity, prop *Property) error {
	if !prop.Kind.IsRelation() {
		return nil
	}
	target, ok := r.entities[prop.Target]
	if !ok {
		return fmt.Errorf("%w: %s.%s targets unknown entity %s", ErrInvalidModel, entity.Name, prop.Name, prop.Target)
	}
	prop.TargetMeta = target

	switch prop.Kind {
	case KindToOneOwner:
		if prop.MappedBy != "" {
			return fmt.Errorf("%w: %s.%s owning to-one cannot set mapped_by", ErrInvalidModel, entity.Name, prop.Name)
		}
		if len(prop.ReferencedColumns) == 0 {
			prop.ReferencedColumns = target.PrimaryKeyFields()
		}
		if len(prop.FieldNames) == 0 {
			for _, ref := range prop.ReferencedColumns {
				prop.FieldNames = append(prop.FieldNames, r.namer.JoinColumnName(prop.Name, ref))
			}
		}
		if len(prop.FieldNames) != len(prop.ReferencedColumns) {
			return fmt.Errorf("%w: %s.%s has %d join columns for %d referenced columns",
				ErrInvalidModel, entity.Name, prop.Name, len(prop.FieldNames), len(prop.ReferencedColumns))
		}
	case KindManyToMany:
		if prop.MappedBy != "" {
			return nil
		}
		ownerKeys := entity.PrimaryKeyFields()
		targetKeys := target.PrimaryKeyFields()
		if prop.Pivot == nil {
			prop.Pivot = &Pivot{}
		}
		if prop.Pivot.Table == "" {
			prop.Pivot.Table = r.namer.PivotTableName(entity.Name, prop.Name)
		}
		if len(prop.Pivot.OwnerColumns) == 0 {
			for _, key := range ownerKeys {
				prop.Pivot.OwnerColumns = append(prop.Pivot.OwnerColumns, r.namer.PivotColumnName(entity.Name, key))
			}
		}
		if len(prop.Pivot.InverseColumns) == 0 {
			for _, key := range targetKeys {
				prop.Pivot.InverseColumns = append(prop.Pivot.InverseColumns, r.namer.PivotColumnName(target.Name, key))
			}
		}
		if len(prop.Pivot.OwnerColumns) != len(ownerKeys) || len(prop.Pivot.InverseColumns) != len(targetKeys) {
			return fmt.Errorf("%w: %s.%s pivot column widths do not match key widths", ErrInvalidModel, entity.Name, prop.Name)
		}
		if prop.FixedOrder && prop.Pivot.OrderColumn == "" {
			prop.Pivot.OrderColumn = "id"
			prop.Pivot.OrderGenerated = true
		}
	}
	return nil
}

// linkInverse resolves mapped_by sides once every owning side is linked.
func (r *Registry) linkInverse(entity *Entity, prop *Property) error {
	switch prop.Kind {
	case KindOneToMany, KindToOneInverse:
		if prop.MappedBy == "" {
			return fmt.Errorf("%w: %s.%s requires mapped_by", ErrInvalidModel, entity.Name, prop.Name)
		}
		owner, ok := prop.TargetMeta.Property(prop.MappedBy)
		if !ok || owner.Kind != KindToOneOwner {
			return fmt.Errorf("%w: %s.%s mapped_by %s is not an owning to-one on %s",
				ErrInvalidModel, entity.Name, prop.Name, prop.MappedBy, prop.TargetMeta.Name)
		}
		prop.Inverse = owner
		prop.ReferencedColumns = owner.ReferencedColumns
	case KindManyToMany:
		if prop.MappedBy == "" {
			return nil
		}
		owner, ok := prop.TargetMeta.Property(prop.MappedBy)
		if !ok || owner.Kind != KindManyToMany || owner.Pivot == nil {
			return fmt.Errorf("%w: %s.%s mapped_by %s is not an owning many-to-many on %s",
				ErrInvalidModel, entity.Name, prop.Name, prop.MappedBy, prop.TargetMeta.Name)
		}
		prop.Inverse = owner
		prop.FixedOrder = owner.FixedOrder
		prop.Pivot = &Pivot{
			Table:          owner.Pivot.Table,
			OwnerColumns:   owner.Pivot.InverseColumns,
			InverseColumns: owner.Pivot.OwnerColumns,
			OrderColumn:    owner.Pivot.OrderColumn,
			OrderGenerated: owner.Pivot.OrderGenerated,
		}
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func dedupe(values []string) []string {
	out := values[:0]
	for i, v := range values {
		if i > 0 && values[i-1] == v {
			continue
		}
		out = append(out, v)
	}
	return out
}
